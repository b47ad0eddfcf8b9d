package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/srv/chanson")
	t.Setenv("PROVIDER_MODE", "")
	t.Setenv("STUN_URLS", "stun:a.example:3478, stun:b.example:3478 ,")

	cfg := FromEnv()

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, filepath.Join("/srv/chanson", "chanson.sqlite"), cfg.DBPath)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, ProviderModeLocal, cfg.ProviderMode)
	assert.False(t, cfg.ExternalProvider())
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.StunURLs)
	assert.Equal(t, 10000, cfg.RTCMinPort)
	assert.Equal(t, 20000, cfg.RTCMaxPort)
}

func TestFromEnvProviderMode(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "EXTERNAL")
	t.Setenv("CACHE_MAX_BYTES", "1048576")
	t.Setenv("REDIS_HOST", "")

	cfg := FromEnv()

	assert.True(t, cfg.ExternalProvider())
	assert.Equal(t, int64(1048576), cfg.CacheMaxBytes)
	assert.False(t, cfg.RedisEnabled())
}

func TestFromEnvUnknownModeFallsBackToLocal(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "cloud")

	cfg := FromEnv()

	assert.Equal(t, ProviderModeLocal, cfg.ProviderMode)
}
