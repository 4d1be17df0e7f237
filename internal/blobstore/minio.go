package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/maneesh/dropvault/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioObjects wraps MinIO operations with tracing
type MinioObjects struct {
	client     *minio.Client
	bucketName string
}

// NewMinioObjects initializes a new MinIO client and makes sure the bucket exists
func NewMinioObjects(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, logger logging.Logger) (*MinioObjects, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logger.Info(ctx, "creating bucket", "bucket", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioObjects{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// PutObject uploads an object to MinIO with tracing
func (mo *MinioObjects) PutObject(ctx context.Context, objectKey string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := mo.client.PutObject(ctx, mo.bucketName, objectKey, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// GetObject downloads an object from MinIO with tracing
func (mo *MinioObjects) GetObject(ctx context.Context, objectKey string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
		),
	)
	defer span.End()

	object, err := mo.client.GetObject(ctx, mo.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, mapMinioError(err, "failed to get object")
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, mapMinioError(err, "failed to read object data")
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// RemoveObject deletes an object from MinIO
func (mo *MinioObjects) RemoveObject(ctx context.Context, objectKey string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
		),
	)
	defer span.End()

	if err := mo.client.RemoveObject(ctx, mo.bucketName, objectKey, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

func mapMinioError(err error, msg string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrObjectNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
