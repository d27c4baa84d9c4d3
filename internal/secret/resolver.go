// Package secret resolves named secrets (JWT key, OAuth client secrets)
// from SSM Parameter Store or, in dev mode, the environment.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches SecureString parameters and memoises them for the
// lifetime of the process, so warm Lambda invocations skip the round trip.
type SSMResolver struct {
	client SSMClient

	mu    sync.Mutex
	cache map[string]string
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client, cache: make(map[string]string)}
}

// GetSecret implements Resolver.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	val, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return val, nil
	}

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}

	r.mu.Lock()
	r.cache[name] = *out.Parameter.Value
	r.mu.Unlock()
	return *out.Parameter.Value, nil
}

// EnvResolver reads secrets from METAVAULT_-prefixed environment variables.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// GetSecret implements Resolver.
func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := EnvName(name)
	val, ok := r.lookup(envName)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

// EnvName maps a parameter path onto its environment variable.
// "/metavault/google-client-secret" -> "METAVAULT_GOOGLE_CLIENT_SECRET"
func EnvName(name string) string {
	last := name[strings.LastIndex(name, "/")+1:]
	return "METAVAULT_" + strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
