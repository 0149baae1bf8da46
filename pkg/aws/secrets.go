package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsClient reads string secrets under a common prefix and caches them for the life of
// the process.
type SecretsClient struct {
	api    secretsAPI
	prefix string

	mu    sync.Mutex
	cache map[string]string
}

// NewSecretsClient reads secrets named prefix+name, e.g. "bulk-orders/" + "JWT_SECRET".
func NewSecretsClient(cfg sdkaws.Config, prefix string) *SecretsClient {
	return newSecretsClient(secretsmanager.NewFromConfig(cfg), prefix)
}

func newSecretsClient(api secretsAPI, prefix string) *SecretsClient {
	return &SecretsClient{api: api, prefix: prefix, cache: make(map[string]string)}
}

// Lookup returns the string value of the secret name.
func (s *SecretsClient) Lookup(ctx context.Context, name string) (string, error) {
	id := s.prefix + name

	s.mu.Lock()
	v, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(id)})
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}

	s.mu.Lock()
	s.cache[id] = *out.SecretString
	s.mu.Unlock()
	return *out.SecretString, nil
}

// LookupJSON decodes a JSON object secret into dst.
func (s *SecretsClient) LookupJSON(ctx context.Context, name string, dst interface{}) error {
	raw, err := s.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("secret %s%s is not a JSON object: %w", s.prefix, name, err)
	}
	return nil
}

// Apply overwrites each target with its secret when the secret exists and is non-empty.
// Targets whose secret cannot be read keep their current value; the read errors are joined.
func (s *SecretsClient) Apply(ctx context.Context, targets map[string]*string) error {
	var errs []error
	for name, dst := range targets {
		v, err := s.Lookup(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v != "" {
			*dst = v
		}
	}
	return errors.Join(errs...)
}
