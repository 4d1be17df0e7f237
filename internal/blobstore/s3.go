package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3API is the part of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Objects stores objects in an S3 bucket.
type S3Objects struct {
	client S3API
	bucket string
}

// NewS3Objects builds an S3 client with static credentials. A non-empty
// baseEndpoint points it at an S3-compatible service using path-style
// addressing.
func NewS3Objects(ctx context.Context, region, accessKey, secretKey, bucket, baseEndpoint string) (*S3Objects, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3ObjectsWithClient(client, bucket), nil
}

// NewS3ObjectsWithClient wraps an existing client, for tests and custom setups.
func NewS3ObjectsWithClient(client S3API, bucket string) *S3Objects {
	return &S3Objects{client: client, bucket: bucket}
}

// PutObject uploads data under key.
func (so *S3Objects) PutObject(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "s3.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := so.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(so.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// GetObject downloads key, returning ErrObjectNotFound for a missing key.
func (so *S3Objects) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "s3.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := so.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(so.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}
	return data, nil
}

// RemoveObject deletes key. A missing key is not an error.
func (so *S3Objects) RemoveObject(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "s3.remove_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := so.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(so.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
