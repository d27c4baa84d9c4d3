package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/metavault/internal/crypto"
	"github.com/jun/metavault/internal/model"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// bindingItem is the table layout: partition key user_id, sort key vault_id.
// The credential blob is stored sealed by the Encryptor.
type bindingItem struct {
	UserID        string    `dynamodbav:"user_id"`
	VaultID       string    `dynamodbav:"vault_id"`
	Backend       string    `dynamodbav:"backend"`
	EncryptedBlob string    `dynamodbav:"encrypted_blob"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
}

// DynamoStore keeps bindings in DynamoDB with KMS-sealed credentials.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	encryptor crypto.Encryptor
}

// NewDynamoStore creates a DynamoStore. Blobs are sealed with encryptor.
func NewDynamoStore(client DynamoAPI, tableName string, encryptor crypto.Encryptor) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, encryptor: encryptor}
}

// Save encrypts the blob and puts the item.
func (s *DynamoStore) Save(ctx context.Context, b model.Binding) error {
	sealed, err := s.encryptor.Encrypt(ctx, b.Blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	item, err := attributevalue.MarshalMap(bindingItem{
		UserID:        b.UserID,
		VaultID:       b.VaultID,
		Backend:       b.Backend,
		EncryptedBlob: sealed,
		UpdatedAt:     b.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save binding to DynamoDB: %w", err)
	}
	return nil
}

// Load reads the item with a consistent read and decrypts its blob.
func (s *DynamoStore) Load(ctx context.Context, userID, vaultID string) (*model.Binding, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            bindingKey(userID, vaultID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get binding from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotBound
	}

	var item bindingItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	blob, err := s.encryptor.Decrypt(ctx, item.EncryptedBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return &model.Binding{
		UserID:    item.UserID,
		VaultID:   item.VaultID,
		Backend:   item.Backend,
		Blob:      blob,
		UpdatedAt: item.UpdatedAt,
	}, nil
}

// DeleteUser queries the user's partition and deletes each item.
func (s *DynamoStore) DeleteUser(ctx context.Context, userID string) error {
	var errs []error
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ProjectionExpression:   aws.String("vault_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to query bindings: %w", err)
		}
		for _, it := range page.Items {
			v, ok := it["vault_id"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       bindingKey(userID, v.Value),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to delete binding %s: %w", v.Value, err))
			}
		}
	}
	return errors.Join(errs...)
}

func bindingKey(userID, vaultID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":  &types.AttributeValueMemberS{Value: userID},
		"vault_id": &types.AttributeValueMemberS{Value: vaultID},
	}
}
