package history

import (
	"context"
	"fmt"
	"strings"
)

// Config selects a backend. With Backend "auto", postgres wins over redis,
// and in-memory is the fallback.
type Config struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
}

func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(cfg.RedisURL) != "":
			backend = "redis"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported history backend %q", cfg.Backend)
	}
}
