// Package kv implements a persistent key-value store with optional per-entry expiry.
//
// Values are stored as a JSON envelope {"data": ..., "expire": <unix ms>|null}.
// Expiry is lazy: an expired or undecodable entry is deleted when read and reported absent.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/metrics"
)

const (
	// DefaultCacheTTL is the expiry applied by cache instances.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// NoExpiry marks entries that never expire.
	NoExpiry time.Duration = 0
)

// ErrBackendClosed is returned by operations on a closed backend.
var ErrBackendClosed = errors.New("kv backend is closed")

// Backend is the raw storage a Store writes envelopes to.
// Each Set must replace the whole value atomically.
type Backend interface {
	Name() string
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Close() error
}

type entry struct {
	Data   json.RawMessage `json:"data"`
	Expire *int64          `json:"expire"`
}

// Store wraps a Backend with expiry envelopes.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default expiry used by Set. A non-positive ttl means never.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store with the cache expiry unless overridden.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).Named("kv")
	return s
}

// NewCache creates a Store whose entries expire after DefaultCacheTTL.
func NewCache(backend Backend, opts ...Option) *Store {
	return New(backend, append([]Option{WithTTL(DefaultCacheTTL)}, opts...)...)
}

// NewDurable creates a Store whose entries never expire.
func NewDurable(backend Backend, opts ...Option) *Store {
	return New(backend, append([]Option{WithTTL(NoExpiry)}, opts...)...)
}

// TTL returns the default expiry of the store.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Set stores value under key with the store's default expiry.
func (s *Store) Set(key string, value any) error {
	return s.SetTTL(key, value, s.ttl)
}

// SetTTL stores value under key expiring after ttl. A non-positive ttl means never.
func (s *Store) SetTTL(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %q: %w", key, err)
	}

	e := entry{Data: data}
	if ttl > 0 {
		expire := s.now().Add(ttl).UnixMilli()
		e.Expire = &expire
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for %q: %w", key, err)
	}

	if err := s.backend.Set(key, raw); err != nil {
		metrics.RecordKV(s.backend.Name(), "set", "error")
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	metrics.RecordKV(s.backend.Name(), "set", "ok")
	return nil
}

// Get decodes the value under key into out. It reports false when the key is
// missing, expired or corrupt; the latter two are deleted.
func (s *Store) Get(key string, out any) (bool, error) {
	raw, ok, err := s.backend.Get(key)
	if err != nil {
		metrics.RecordKV(s.backend.Name(), "get", "error")
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if !ok {
		metrics.RecordKV(s.backend.Name(), "get", "miss")
		return false, nil
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || len(e.Data) == 0 {
		s.evict(key, "corrupt")
		return false, nil
	}

	if e.Expire != nil && *e.Expire < s.now().UnixMilli() {
		s.evict(key, "expired")
		return false, nil
	}

	if out != nil {
		if err := json.Unmarshal(e.Data, out); err != nil {
			s.evict(key, "corrupt")
			return false, nil
		}
	}

	metrics.RecordKV(s.backend.Name(), "get", "hit")
	return true, nil
}

// Remove deletes key.
func (s *Store) Remove(key string) error {
	if err := s.backend.Delete(key); err != nil {
		metrics.RecordKV(s.backend.Name(), "remove", "error")
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	metrics.RecordKV(s.backend.Name(), "remove", "ok")
	return nil
}

// Clear deletes every key of the backend namespace.
func (s *Store) Clear() error {
	if err := s.backend.Clear(); err != nil {
		metrics.RecordKV(s.backend.Name(), "clear", "error")
		return fmt.Errorf("failed to clear store: %w", err)
	}
	metrics.RecordKV(s.backend.Name(), "clear", "ok")
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) evict(key, reason string) {
	metrics.RecordKV(s.backend.Name(), "get", reason)
	if err := s.backend.Delete(key); err != nil {
		s.logger.Warn("failed to evict entry",
			zap.String("key", key),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("evicted entry", zap.String("key", key), zap.String("reason", reason))
}
