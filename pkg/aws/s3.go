package aws

import (
	"bytes"
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore writes private objects.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
}

// S3Store stores objects in a single bucket with server-side encryption.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(cfg sdkaws.Config, bucket string) *S3Store {
	return &S3Store{
		client: s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = usesCustomEndpoint(cfg) }),
		bucket: bucket,
	}
}

func (s *S3Store) PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               sdkaws.String(s.bucket),
		Key:                  sdkaws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          sdkaws.String(contentType),
		Metadata:             metadata,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
