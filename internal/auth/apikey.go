package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	apikeyPrefix = "gateway:apikey:"
	apikeyIndex  = "gateway:apikeys"
)

// APIKey is a stored API key record, looked up by SHA-256(credential) per
// spec §4.2 step 4.
type APIKey struct {
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	Tier      string     `json:"tier"`
	Scopes    []string   `json:"scopes"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// APIKeyAuthenticator validates API keys against a static set (from config)
// and, if configured, a Redis-backed store.
type APIKeyAuthenticator struct {
	redis      *redis.Client
	staticKeys map[string]staticKey
}

type staticKey struct {
	name   string
	tier   string
	scopes []string
}

type APIKeyAuthConfig struct {
	Redis      *redis.Client
	StaticKeys []StaticKeyConfig
}

type StaticKeyConfig struct {
	Name   string
	Key    string
	Tier   string
	Scopes []string
}

func NewAPIKeyAuthenticator(cfg APIKeyAuthConfig) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{
		redis:      cfg.Redis,
		staticKeys: make(map[string]staticKey, len(cfg.StaticKeys)),
	}
	for _, k := range cfg.StaticKeys {
		tier := k.Tier
		if tier == "" {
			tier = "default"
		}
		a.staticKeys[hashAPIKey(k.Key)] = staticKey{name: k.Name, tier: tier, scopes: k.Scopes}
	}
	return a
}

// Authenticate implements Authenticator. credential is the raw plaintext
// key already extracted from the request by the resolver.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, credential string) *Identity {
	if credential == "" {
		return nil
	}
	keyHash := hashAPIKey(credential)

	if sk, ok := a.staticKeys[keyHash]; ok {
		return &Identity{
			Subject: "apikey:" + sk.name,
			Tier:    sk.tier,
			Scopes:  sk.scopes,
			Claims:  map[string]any{"source": "static"},
		}
	}

	if a.redis != nil {
		if id := a.checkRedisKey(ctx, keyHash); id != nil {
			return id
		}
	}
	return nil
}

func (a *APIKeyAuthenticator) checkRedisKey(ctx context.Context, keyHash string) *Identity {
	data, err := a.redis.Get(ctx, apikeyPrefix+keyHash).Bytes()
	if err != nil {
		return nil
	}

	var key APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil
	}
	if !key.Enabled {
		return nil
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil
	}

	tier := key.Tier
	if tier == "" {
		tier = "default"
	}
	return &Identity{
		Subject: "apikey:" + key.Name,
		Tier:    tier,
		Scopes:  key.Scopes,
		Claims:  map[string]any{"source": "redis"},
	}
}

func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// APIKeyStore manages API keys in Redis: the durable backing for
// registry.Registry-adjacent metadata.
type APIKeyStore struct {
	redis *redis.Client
}

func NewAPIKeyStore(redis *redis.Client) *APIKeyStore {
	return &APIKeyStore{redis: redis}
}

// Create generates a new key, stores its hash, and returns the plaintext
// (which is never persisted or logged again after this call).
func (s *APIKeyStore) Create(ctx context.Context, name, tier string, scopes []string) (string, error) {
	key := generateAPIKey()
	keyHash := hashAPIKey(key)

	existing, _ := s.redis.HGet(ctx, apikeyIndex, name).Result()
	if existing != "" {
		return "", fmt.Errorf("API key with name %q already exists", name)
	}
	if tier == "" {
		tier = "default"
	}

	record := APIKey{
		Name: name, KeyHash: keyHash, Tier: tier, Scopes: scopes,
		Enabled: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, apikeyPrefix+keyHash, data, 0)
	pipe.HSet(ctx, apikeyIndex, name, keyHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return key, nil
}

func (s *APIKeyStore) Get(ctx context.Context, name string) (*APIKey, error) {
	keyHash, err := s.redis.HGet(ctx, apikeyIndex, name).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("API key not found: %s", name)
	}
	if err != nil {
		return nil, err
	}

	data, err := s.redis.Get(ctx, apikeyPrefix+keyHash).Bytes()
	if err != nil {
		return nil, err
	}
	var key APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *APIKeyStore) Revoke(ctx context.Context, name string) error {
	key, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	key.Enabled = false
	key.UpdatedAt = time.Now()
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, apikeyPrefix+key.KeyHash, data, 0).Err()
}

func (s *APIKeyStore) Delete(ctx context.Context, name string) error {
	keyHash, err := s.redis.HGet(ctx, apikeyIndex, name).Result()
	if err == redis.Nil {
		return fmt.Errorf("API key not found: %s", name)
	}
	if err != nil {
		return err
	}
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, apikeyPrefix+keyHash)
	pipe.HDel(ctx, apikeyIndex, name)
	_, err = pipe.Exec(ctx)
	return err
}

func generateAPIKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomBytes := make([]byte, 24)
	rand.Read(randomBytes)
	b := make([]byte, 24)
	for i := range b {
		b[i] = charset[randomBytes[i]%byte(len(charset))]
	}
	return "sk_" + string(b)
}

// VerifyAPIKey checks a plaintext key against a stored hash in constant time.
func VerifyAPIKey(plaintext, hash string) bool {
	computed := hashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
