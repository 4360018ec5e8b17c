// Package secret resolves credentials (REDCap project tokens, the SMTP
// password) by key, keeping them out of the validated config struct.
package secret

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Store provides a pluggable interface for reading sensitive values.
// Production reads the process environment; tests use MemoryStore.
type Store interface {
	// Get retrieves the secret value for the given key.
	// Returns "" and nil error if the key does not exist.
	Get(key string) (string, error)
}

// Well-known keys.
const (
	SMTPPasswordKey          = "SMTP_PASSWORD"
	RecordStorePasswordKey   = "RECORD_STORE_PASSWORD"
	DocumentStorePasswordKey = "DOCUMENT_STORE_PASSWORD"
	RedisPasswordKey         = "REDIS_PASSWORD"
	S3AccessKeyIDKey         = "BLOB_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyKey     = "BLOB_S3_SECRET_ACCESS_KEY"
	redcapTokenPrefix        = "REDCAP_TOKEN_"
)

// RedcapTokenKey returns the key holding the API token of project,
// e.g. tsepamo_2 → REDCAP_TOKEN_TSEPAMO_2.
func RedcapTokenKey(project string) string {
	key := strings.ToUpper(project)
	key = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(key)
	return redcapTokenPrefix + key
}

// Require returns the secret or an error naming the missing key.
func Require(s Store, key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", key, err)
	}
	if v == "" {
		return "", fmt.Errorf("secret %s is not set", key)
	}
	return v, nil
}

// ── EnvStore ───────────────────────────────────────────────

// EnvStore reads secrets from environment variables. Values loaded from
// .env by the config package are visible here too.
type EnvStore struct {
	// Prefix is prepended to every key, e.g. "DATACORE_".
	Prefix string
}

// NewEnvStore creates a new EnvStore.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (e *EnvStore) Get(key string) (string, error) {
	return strings.TrimSpace(os.Getenv(e.Prefix + key)), nil
}

// ── MemoryStore ────────────────────────────────────────────

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore(values map[string]string) *MemoryStore {
	m := &MemoryStore{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

// Set stores value under key.
func (m *MemoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}
