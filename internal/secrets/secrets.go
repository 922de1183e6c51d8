// Package secrets resolves credentials such as the Postgres DSN from the
// environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if out.SecretBinary != nil && len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Ref names a secret as "env:NAME" or "aws:SECRET_ID". An optional "#field"
// suffix selects one string field of a JSON secret, as RDS-managed secrets
// store username and password together.
type Ref struct {
	Scheme string
	Key    string
	Field  string
}

const (
	SchemeEnv = "env"
	SchemeAWS = "aws"
)

func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: secret ref %q has no scheme", ErrInvalidConfig, s)
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme != SchemeEnv && scheme != SchemeAWS {
		return Ref{}, fmt.Errorf("%w: unsupported secret scheme %q", ErrInvalidConfig, scheme)
	}
	// Secrets Manager ARNs contain colons but never '#'.
	key, field, _ := strings.Cut(rest, "#")
	key = strings.TrimSpace(key)
	if key == "" {
		return Ref{}, fmt.Errorf("%w: secret ref %q has no key", ErrInvalidConfig, s)
	}
	return Ref{Scheme: scheme, Key: key, Field: strings.TrimSpace(field)}, nil
}

// Resolver dispatches refs to the env provider or a lazily created AWS
// provider.
type Resolver struct {
	env    Provider
	newAWS func(ctx context.Context) (Provider, error)

	mu  sync.Mutex
	aws Provider
}

func NewResolver(env Provider, newAWS func(ctx context.Context) (Provider, error)) (*Resolver, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	return &Resolver{env: env, newAWS: newAWS}, nil
}

// NewDefaultResolver reads env refs from the process environment and aws
// refs through the default AWS credential chain.
func NewDefaultResolver() *Resolver {
	return &Resolver{
		env: NewEnv(),
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	p, err := r.provider(ctx, parsed.Scheme)
	if err != nil {
		return "", err
	}
	v, err := p.Get(ctx, parsed.Key)
	if err != nil {
		return "", err
	}
	if parsed.Field == "" {
		return v, nil
	}
	return jsonField(parsed, v)
}

func (r *Resolver) provider(ctx context.Context, scheme string) (Provider, error) {
	if scheme == SchemeEnv {
		return r.env, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	if r.newAWS == nil {
		return nil, fmt.Errorf("%w: aws secrets not configured", ErrInvalidConfig)
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}

func jsonField(ref Ref, secret string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secrets: %s is not a JSON object: %w", ref.Key, err)
	}
	v, ok := fields[ref.Field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: field %q of %s", ErrNotFound, ref.Field, ref.Key)
	}
	return strings.TrimSpace(v), nil
}
