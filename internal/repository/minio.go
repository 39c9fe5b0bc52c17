package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/LLM-Grading-System/Platform-Backend/pkg/common"
)

// MinIOClient stores submission artifact archives in one bucket.
type MinIOClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinIOClient connects to the object store and ensures the artifact
// bucket exists. Bucket creation is idempotent and happens only here, at
// process start, never per upload.
func NewMinIOClient(endpoint, accessKey, secretKey, bucketName string) (*MinIOClient, error) {
	secure := getEnvBool("MINIO_SECURE", true)
	host := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("minio endpoint parse: %w", err)
		}
		host = parsed.Host
		secure = parsed.Scheme == "https"
	}

	minioClient, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := minioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
		slog.Info("Created MinIO bucket", "bucket", bucketName)
	}

	return &MinIOClient{
		client:     minioClient,
		bucketName: bucketName,
	}, nil
}

// UploadArtifact stores one archive under the given object name.
func (m *MinIOClient) UploadArtifact(ctx context.Context, objectName string, reader io.Reader, objectSize int64) error {
	_, err := m.client.PutObject(ctx, m.bucketName, objectName, reader, objectSize, minio.PutObjectOptions{
		ContentType: common.ArtifactMIMEType,
	})
	if err != nil {
		return fmt.Errorf("%w: minio upload: %v", common.ErrStorageUnavailable, err)
	}
	return nil
}

// OpenArtifact returns a reader over a stored archive. The returned reader
// must be closed by the caller.
func (m *MinIOClient) OpenArtifact(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: minio get: %v", common.ErrStorageUnavailable, err)
	}
	return obj, nil
}
