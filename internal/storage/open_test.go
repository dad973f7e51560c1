package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/Stones-KakaoTalk-bot/internal/config"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/memstore"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/redisstore"
)

func TestOpenMemoryByDefault(t *testing.T) {
	gw, err := Open(context.Background(), &config.AppConfig{Storage: config.StorageAuto}, true)
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, gw)
	assert.NoError(t, Ping(context.Background(), gw))
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	gw, err := Open(context.Background(), &config.AppConfig{Storage: config.StorageAuto, RedisURL: "redis://" + mr.Addr()}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	assert.IsType(t, &redisstore.Store{}, gw)
	assert.NoError(t, Ping(context.Background(), gw))
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), &config.AppConfig{Storage: "sqlite"}, false)
	assert.Error(t, err)
}
