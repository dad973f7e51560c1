// Package storage picks the persistence gateway the config asks for.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/config"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/memstore"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/pgstore"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/redisstore"
)

// Pinger is implemented by the networked stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open returns the gateway for cfg. PostgreSQL schemas are created when
// migrate is set.
func Open(ctx context.Context, cfg *config.AppConfig, migrate bool) (lobby.Gateway, error) {
	kind := cfg.ResolvedStorage()
	obslog.L().Info("storage_open", zap.String("kind", string(kind)))
	switch kind {
	case config.StorageMemory:
		return memstore.New(), nil
	case config.StorageRedis:
		return redisstore.Open(cfg.RedisURL)
	case config.StoragePostgres:
		st, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		if migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown storage %q", kind)
}

// Ping checks connectivity when the gateway supports it.
func Ping(ctx context.Context, gw lobby.Gateway) error {
	p, ok := gw.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
