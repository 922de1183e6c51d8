// Package blobstore keeps immutable byte payloads, such as raw transactions,
// under string keys in memory or in an S3 bucket. Every object carries the
// SHA-256 digest of its payload and Get refuses data that no longer matches.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverS3     = "s3"

	defaultMaxObjectSize int64 = 4 << 20
	digestMetaKey              = "sha256"
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
	ErrCorrupt       = errors.New("blobstore: digest mismatch")
)

// Store is a flat key/value blob store. Put replaces any existing object.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	// Driver defaults to memory.
	Driver string
	Prefix string

	// MaxObjectSize bounds payloads on Put and Get. Defaults to 4 MiB.
	MaxObjectSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	limit := cfg.MaxObjectSize
	if limit <= 0 {
		limit = defaultMaxObjectSize
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory, "":
		return &memoryStore{prefix: prefix, limit: limit, objects: make(map[string]memoryObject)}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: prefix, limit: limit}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// fullKey validates key and places it under prefix.
func fullKey(prefix, key string) (string, error) {
	if key != strings.TrimSpace(key) || strings.Trim(key, "/") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: %q contains control characters", ErrInvalidKey, key)
		}
	}
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func verify(key string, data []byte, want string) error {
	if got := digest(data); got != strings.ToLower(strings.TrimSpace(want)) {
		return fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return nil
}

func checkSize(key string, n int, limit int64) error {
	if int64(n) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, key, limit)
	}
	return nil
}
