package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of *s3.Client the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Store struct {
	client S3Client
	bucket string
	prefix string
	limit  int64
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte) error {
	k, err := fullKey(s.prefix, key)
	if err != nil {
		return err
	}
	if err := checkSize(k, len(payload), s.limit); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{digestMetaKey: digest(payload)},
	})
	if err != nil {
		return fmt.Errorf("blobstore/s3: put %s: %w", k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := fullKey(s.prefix, key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("blobstore/s3: get %s: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.limit+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: read %s: %w", k, err)
	}
	if err := checkSize(k, len(data), s.limit); err != nil {
		return nil, err
	}
	if err := verify(k, data, out.Metadata[digestMetaKey]); err != nil {
		return nil, err
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
