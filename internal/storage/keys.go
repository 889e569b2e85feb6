package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// API key format constants.
const (
	apiKeyPrefix    = "stocketl_ak_" // pragma: allowlist secret
	randomBytesSize = 32
	apiKeyLength    = len(apiKeyPrefix) + 2*randomBytesSize
	maskPrefixLen   = 16
	maskSuffixLen   = 4

	// bcryptCost balances hashing latency (~60ms) against brute-force
	// resistance for this deployment.
	bcryptCost  = 10
	bcryptLimit = 72
)

var (
	// ErrKeyNil is returned when a nil or empty API key is provided.
	ErrKeyNil = errors.New("API key cannot be empty")
	// ErrKeyAlreadyExists is returned when adding a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when operating on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrInvalidKeyFormat is returned when a key does not match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
)

type (
	// APIKey represents an authenticated API client.
	// Add takes the plaintext key in the Key field. Keys returned by
	// FindByKey carry a masked value instead: the masked bcrypt hash from
	// PersistentKeyStore, the masked key from MemoryKeyStore.
	APIKey struct {
		ID        string
		Key       string
		Name      string
		Active    bool
		CreatedAt time.Time
	}

	// APIKeyStore defines the interface for API key storage and retrieval.
	APIKeyStore interface {
		// FindByKey retrieves an API key by its plaintext key value.
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
		// Add stores a new API key.
		Add(ctx context.Context, apiKey *APIKey) error
		// HealthCheck verifies the storage backend is ready to serve requests.
		HealthCheck(ctx context.Context) error
	}

	// PersistentKeyStore implements APIKeyStore with a PostgreSQL backend.
	// Uses key_lookup_hash (SHA256) for O(1) lookup, then verifies with bcrypt.
	PersistentKeyStore struct {
		conn *Connection
	}

	// MemoryKeyStore implements APIKeyStore in memory, for tests and local
	// development.
	MemoryKeyStore struct {
		mu   sync.RWMutex
		keys map[string]*APIKey // lookup hash -> key
	}
)

// Compile-time interface assertions.
var (
	_ APIKeyStore = (*PersistentKeyStore)(nil)
	_ APIKeyStore = (*MemoryKeyStore)(nil)
)

// GenerateAPIKey creates a new secure API key.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from header formats, stripping an
// optional "Bearer " prefix and validating the expected shape.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyNil
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, apiKeyPrefix) || len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyFormat
	}

	return keyString, nil
}

// MaskKey masks an API key (or hash) for safe logging.
func MaskKey(key string) string {
	if len(key) <= maskPrefixLen+maskSuffixLen {
		return strings.Repeat("*", len(key))
	}

	masked := len(key) - maskPrefixLen - maskSuffixLen

	return key[:maskPrefixLen] + strings.Repeat("*", masked) + key[len(key)-maskSuffixLen:]
}

// HashAPIKey generates a bcrypt hash of the API key for secure storage.
// Bcrypt has a 72-byte input limit; longer keys are pre-hashed with SHA-256.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	input := []byte(apiKey)

	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash verifies a plaintext API key against a bcrypt hash.
// Returns false for any error condition.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	input := []byte(apiKey)

	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}

// ComputeKeyLookupHash computes the SHA256 hex of an API key for O(1)
// lookup. The bcrypt hash remains the security boundary; this hash only
// indexes.
func ComputeKeyLookupHash(key string) string {
	hash := sha256.Sum256([]byte(key))

	return hex.EncodeToString(hash[:])
}

// NewPersistentKeyStore creates a PostgreSQL-backed API key store.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{conn: conn}, nil
}

// FindByKey retrieves an API key by its plaintext value using the SHA256
// lookup hash, then verifies with bcrypt. Returns (nil, false) when not
// found or when verification fails.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, name, active, created_at
		FROM api_keys
		WHERE key_lookup_hash = $1
		LIMIT 1`

	var apiKey APIKey

	err := s.conn.QueryRowContext(ctx, query, ComputeKeyLookupHash(key)).Scan(
		&apiKey.ID, &apiKey.Key, &apiKey.Name, &apiKey.Active, &apiKey.CreatedAt,
	)
	if err != nil {
		return nil, false
	}

	if !CompareAPIKeyHash(apiKey.Key, key) {
		return nil, false
	}

	apiKey.Key = MaskKey(apiKey.Key)

	return &apiKey, true
}

// Add stores a new API key with bcrypt hashing and a SHA256 lookup hash.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" {
		return ErrKeyNil
	}

	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_lookup_hash, name, active)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.conn.ExecContext(ctx, query,
		apiKey.ID, keyHash, ComputeKeyLookupHash(apiKey.Key), apiKey.Name, apiKey.Active)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// NewMemoryKeyStore creates an empty in-memory API key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

// FindByKey retrieves an API key by its plaintext value.
func (s *MemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apiKey, ok := s.keys[ComputeKeyLookupHash(key)]
	if !ok {
		return nil, false
	}

	clone := *apiKey

	return &clone, true
}

// Add stores a new API key.
func (s *MemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" {
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lookupHash := ComputeKeyLookupHash(apiKey.Key)

	if _, exists := s.keys[lookupHash]; exists {
		return ErrKeyAlreadyExists
	}

	stored := *apiKey
	stored.Key = MaskKey(apiKey.Key)

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.keys[lookupHash] = &stored

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}
