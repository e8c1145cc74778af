package store

import (
	"context"
	"strings"
)

// New selects a backend: postgres when DATABASE_URL is set, redis when
// REDIS_ADDR is set, otherwise the JSON file store. The chosen mode is
// reported so the health endpoints can surface it.
func New(ctx context.Context, databaseURL, redisAddr, dataDir string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		s, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	}
	if strings.TrimSpace(redisAddr) != "" {
		s, err := NewRedisStore(ctx, redisAddr)
		if err != nil {
			return nil, "", err
		}
		return s, "redis", nil
	}
	s, err := NewFileStore(dataDir)
	if err != nil {
		return nil, "", err
	}
	return s, "file", nil
}
