package kv

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// OpenOptions selects and locates a backend.
type OpenOptions struct {
	Backend string
	// Path is the bolt file.
	Path string
	// Bucket is the bolt bucket or redis namespace.
	Bucket string
	Redis  RedisConfig
}

// Open creates the backend named by opts.Backend.
func Open(ctx context.Context, opts OpenOptions) (Backend, error) {
	switch opts.Backend {
	case BackendBolt, "":
		b, err := OpenBolt(opts.Path, opts.Bucket)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendRedis:
		cfg := opts.Redis
		if cfg.Namespace == "" {
			cfg.Namespace = opts.Bucket
		}
		r, err := OpenRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", opts.Backend)
	}
}
