package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/raulstechtips/stock-etl/internal/config"
)

// Config holds S3-compatible object store configuration.
type Config struct {
	EndpointURL string
	Region      string
	AccessKey   string
	SecretKey   string
	AllowHTTP   bool
}

// LoadConfig loads object store configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		EndpointURL: config.GetEnvStr("S3_ENDPOINT_URL", "http://localhost:9000"),
		Region:      config.GetEnvStr("S3_REGION", "us-east-1"),
		AccessKey:   config.GetEnvStr("S3_ACCESS_KEY_ID", ""),
		SecretKey:   config.GetEnvStr("S3_SECRET_ACCESS_KEY", ""),
		AllowHTTP:   config.GetEnvBool("S3_ALLOW_HTTP", true),
	}
}

// MinioStore implements ObjectStore against an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// Compile-time interface assertion.
var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore creates an ObjectStore backed by MinIO/S3.
func NewMinioStore(cfg *Config) (*MinioStore, error) {
	parsed, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 endpoint URL %s: %w", cfg.EndpointURL, err)
	}

	endpoint := parsed.Host
	if endpoint == "" {
		endpoint = parsed.Path
	}

	secure := parsed.Scheme == "https"
	if !secure && !cfg.AllowHTTP {
		return nil, fmt.Errorf("%w: endpoint %s is not https and S3_ALLOW_HTTP is disabled",
			ErrConnection, cfg.EndpointURL)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

// BucketExists reports whether the bucket exists.
func (s *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classifyMinioError(err)
	}

	return exists, nil
}

// Put stores an object.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)

	_, err := s.client.PutObject(ctx, bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		classified := classifyMinioError(err)
		if errors.Is(classified, ErrConnection) {
			// Connection failures during upload stay retryable as uploads.
			return fmt.Errorf("%w: %s/%s: %v", ErrUpload, bucket, key, err)
		}

		return classified
	}

	return nil
}

// Get retrieves an object.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}

	defer func() {
		_ = object.Close()
	}()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, classifyMinioError(err)
	}

	return data, nil
}

// Delete removes an object.
func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return classifyMinioError(err)
	}

	return nil
}

// List returns keys under the prefix in lexical order.
func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string

	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, classifyMinioError(info.Err)
		}

		keys = append(keys, info.Key)
	}

	return keys, nil
}

// classifyMinioError maps a MinIO error onto the package's sentinel errors.
func classifyMinioError(err error) error {
	response := minio.ToErrorResponse(err)

	switch response.Code {
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied":
		return fmt.Errorf("%w: %s", ErrAuthentication, response.Code)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrBucketNotFound, response.BucketName)
	case "NoSuchKey":
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, response.BucketName, response.Key)
	}

	// Errors without an S3 code are transport-level failures.
	if response.Code == "" || strings.Contains(err.Error(), "connection") {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrConnection, response.Code, err)
}
