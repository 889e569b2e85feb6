// Package objectstore provides raw blob storage for the ingestion
// pipeline: an ObjectStore interface, an S3-compatible MinIO
// implementation, and an in-memory implementation for tests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sentinel errors classifying storage failures. The workers map these onto
// the retryable/non-retryable task taxonomy.
var (
	// ErrAuthentication indicates the storage credentials were rejected.
	ErrAuthentication = errors.New("object store authentication failed")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrObjectNotFound indicates the object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrConnection indicates the storage endpoint could not be reached.
	ErrConnection = errors.New("object store connection failed")

	// ErrUpload indicates an upload failure.
	ErrUpload = errors.New("object store upload failed")

	// ErrInvalidURI indicates a malformed s3:// URI.
	ErrInvalidURI = errors.New("invalid s3 URI")
)

// ObjectStore is the blob storage interface the workers depend on.
//
// Implementations must be safe for concurrent use: the pipeline keys
// objects per run, so distinct writers never touch the same key.
type ObjectStore interface {
	// BucketExists reports whether the bucket exists.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// Put stores an object.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Get retrieves an object. Returns ErrObjectNotFound when missing.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// List returns the keys under the given prefix in lexical order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// BuildURI renders an s3:// URI for a bucket and key.
func BuildURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURI splits an s3://bucket/key URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"

	if !strings.HasPrefix(uri, scheme) {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	rest := strings.TrimPrefix(uri, scheme)

	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return bucket, key, nil
}

// MemoryStore is an in-memory ObjectStore for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// Compile-time interface assertion.
var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store with the given buckets.
func NewMemoryStore(buckets ...string) *MemoryStore {
	store := &MemoryStore{buckets: make(map[string]map[string][]byte)}

	for _, bucket := range buckets {
		store.buckets[bucket] = make(map[string][]byte)
	}

	return store
}

// BucketExists reports whether the bucket exists.
func (s *MemoryStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[bucket]

	return ok, nil
}

// Put stores an object.
func (s *MemoryStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	objects[key] = stored

	return nil
}

// Get retrieves an object.
func (s *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	data, ok := objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// Delete removes an object.
func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	delete(objects, key)

	return nil
}

// List returns keys under the prefix in lexical order.
func (s *MemoryStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	var keys []string

	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}
