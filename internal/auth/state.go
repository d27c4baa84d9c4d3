package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/metavault/internal/model"
)

// ErrStateNotFound is returned by Take for unknown, consumed or expired nonces.
var ErrStateNotFound = errors.New("authorization state not found")

// StateStore holds pending authorizations between the login redirect and the callback.
// Take removes the record, so each nonce can be used once.
type StateStore interface {
	Put(ctx context.Context, p model.PendingAuth) error
	Take(ctx context.Context, nonce string) (*model.PendingAuth, error)
}

// MemoryStateStore is a StateStore for a single process.
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]model.PendingAuth
	now     func() time.Time
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{pending: make(map[string]model.PendingAuth), now: time.Now}
}

// Put stores p and sweeps expired records.
func (s *MemoryStateStore) Put(_ context.Context, p model.PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	for nonce, old := range s.pending {
		if old.ExpiresAt < now {
			delete(s.pending, nonce)
		}
	}
	s.pending[p.Nonce] = p
	return nil
}

// Take removes and returns the record for nonce.
func (s *MemoryStateStore) Take(_ context.Context, nonce string) (*model.PendingAuth, error) {
	s.mu.Lock()
	p, ok := s.pending[nonce]
	delete(s.pending, nonce)
	s.mu.Unlock()

	if !ok || p.ExpiresAt < s.now().Unix() {
		return nil, ErrStateNotFound
	}
	return &p, nil
}

// DynamoStateAPI is the subset of *dynamodb.Client used by DynamoStateStore.
type DynamoStateAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStateStore keeps pending authorizations in a DynamoDB table keyed by
// nonce. Expired items are swept by the table's TTL on expires_at; Take also
// rejects them because TTL deletion is not immediate.
type DynamoStateStore struct {
	client    DynamoStateAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStateStore creates a DynamoStateStore over tableName.
func NewDynamoStateStore(client DynamoStateAPI, tableName string) *DynamoStateStore {
	return &DynamoStateStore{client: client, tableName: tableName, now: time.Now}
}

// Put stores p. A nonce already in the table fails the condition check.
func (s *DynamoStateStore) Put(ctx context.Context, p model.PendingAuth) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending auth: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(nonce)"),
	})
	if err != nil {
		return fmt.Errorf("failed to store pending auth: %w", err)
	}
	return nil
}

// Take deletes the record for nonce and returns its old attributes.
func (s *DynamoStateStore) Take(ctx context.Context, nonce string) (*model.PendingAuth, error) {
	// DynamoDB rejects an empty string key.
	if nonce == "" {
		return nil, ErrStateNotFound
	}
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"nonce": &types.AttributeValueMemberS{Value: nonce},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take pending auth: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, ErrStateNotFound
	}

	var p model.PendingAuth
	if err := attributevalue.UnmarshalMap(out.Attributes, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending auth: %w", err)
	}
	if p.ExpiresAt < s.now().Unix() {
		return nil, ErrStateNotFound
	}
	return &p, nil
}
