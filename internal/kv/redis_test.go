package kv

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	b, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, Namespace: "chatweb-test"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Clear())

	s := NewDurable(b)
	require.NoError(t, s.Set("k", "v"))

	var out string
	ok, err := s.Get("k", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", out)

	require.NoError(t, s.Clear())
	ok, err = s.Get("k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}
