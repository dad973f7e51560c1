package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBot(t *testing.T) {
	t.Setenv("IRIS_BASE_URL", "http://iris:3000")
	t.Setenv("IRIS_WS_URL", "ws://iris:3000/ws")
	t.Setenv("BOT_PREFIX", "!돌")
}

func TestLoadDefaults(t *testing.T) {
	setBot(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DefaultStones)
	assert.Equal(t, 99, cfg.MaxStones)
	assert.Equal(t, time.Minute, cfg.MoveTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RoundDuration)
	assert.Equal(t, 5*time.Second, cfg.MovePause)
	assert.Equal(t, "http", cfg.EgressMode)
	assert.Equal(t, StorageMemory, cfg.ResolvedStorage())
	assert.True(t, cfg.RenderFieldImage)
}

func TestLoadRequiresBotSettings(t *testing.T) {
	t.Setenv("IRIS_BASE_URL", "")
	_, err := Load()
	assert.EqualError(t, err, "IRIS_BASE_URL is required")
}

func TestLoadOverrides(t *testing.T) {
	setBot(t)
	t.Setenv("STONES_MOVE_TIMEOUT", "90")
	t.Setenv("STONES_ROUND_DURATION", "0")
	t.Setenv("STONES_MOVE_PAUSE", "1500ms")
	t.Setenv("STONES_DEFAULT_COUNT", "-3")
	t.Setenv("ADMIN_IDS", " a , ,b")
	t.Setenv("EGRESS_MODE", "WS")
	t.Setenv("RENDER_FIELD_IMAGE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.MoveTimeout)
	assert.Zero(t, cfg.RoundDuration)
	assert.Equal(t, 1500*time.Millisecond, cfg.MovePause)
	assert.Equal(t, 10, cfg.DefaultStones)
	assert.Equal(t, []string{"a", "b"}, cfg.AdminIDs)
	assert.Equal(t, "ws", cfg.EgressMode)
	assert.False(t, cfg.RenderFieldImage)
}

func TestStorageSelection(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadStorage()
	require.NoError(t, err)
	assert.Equal(t, StorageRedis, cfg.ResolvedStorage())

	t.Setenv("DATABASE_URL", "postgres://x")
	cfg, err = LoadStorage()
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.ResolvedStorage())

	t.Setenv("STORAGE", "memory")
	cfg, err = LoadStorage()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.ResolvedStorage())

	t.Setenv("STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err = LoadStorage()
	assert.Error(t, err)

	t.Setenv("STORAGE", "etcd")
	_, err = LoadStorage()
	assert.Error(t, err)
}
