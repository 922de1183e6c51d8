package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "MARKETD_TEST_POSTGRES_DSN"
	t.Setenv(key, "  postgres://marketd@db/marketd  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://marketd@db/marketd" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" secret "),
		},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:marketd/esplora")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}
}

func strPtr(v string) *string { return &v }

func TestParseRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "env:MARKETD_DSN", want: Ref{Scheme: SchemeEnv, Key: "MARKETD_DSN"}},
		{in: " AWS:arn:aws:secretsmanager:us-east-1:1:secret:db#password ", want: Ref{Scheme: SchemeAWS, Key: "arn:aws:secretsmanager:us-east-1:1:secret:db", Field: "password"}},
		{in: "postgres://x", wantErr: true},
		{in: "vault:x", wantErr: true},
		{in: "env:", wantErr: true},
		{in: "plain", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseRef(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("%q: expected ErrInvalidConfig, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
}

type mapProvider map[string]string

func (m mapProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestResolver(t *testing.T) {
	t.Parallel()

	awsCalls := 0
	r, err := NewResolver(mapProvider{"DSN": "postgres://env"}, func(context.Context) (Provider, error) {
		awsCalls++
		return mapProvider{"db": `{"username":"marketd","password":" hunter2 "}`}, nil
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ctx := context.Background()

	if got, err := r.Resolve(ctx, "env:DSN"); err != nil || got != "postgres://env" {
		t.Fatalf("env ref: %q %v", got, err)
	}
	if awsCalls != 0 {
		t.Fatalf("aws provider created for env ref")
	}
	if got, err := r.Resolve(ctx, "aws:db#password"); err != nil || got != "hunter2" {
		t.Fatalf("aws field ref: %q %v", got, err)
	}
	if got, err := r.Resolve(ctx, "aws:db"); err != nil || !strings.Contains(got, "username") {
		t.Fatalf("aws whole ref: %q %v", got, err)
	}
	if awsCalls != 1 {
		t.Fatalf("aws provider created %d times", awsCalls)
	}
	if _, err := r.Resolve(ctx, "aws:db#port"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing field: got %v", err)
	}
	if _, err := r.Resolve(ctx, "env:MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing env: got %v", err)
	}
}

func TestResolver_AWSNotConfigured(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(NewEnv(), nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "aws:db"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewResolver(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil env: got %v", err)
	}
}
