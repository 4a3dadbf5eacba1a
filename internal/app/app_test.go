package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisearch/internal/common/config"
	"omnisearch/internal/common/logger"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Model.Provider = "ollama"
	cfg.Model.Ollama.Host = "http://127.0.0.1:1"
	cfg.Model.Ollama.Model = "llava"
	cfg.Model.Timeout = 1000
	cfg.Model.MaxRetries = 1
	cfg.Search.Provider = "duckduckgo"
	cfg.Search.MaxResults = 5
	cfg.Search.MaxRetries = 5
	cfg.Search.RetryDelay = 10
	cfg.Search.Timeout = 1000
	cfg.Cache.Backend = "file"
	cfg.Cache.KeyPrefix = "test:"
	cfg.Conversation.MaxTurns = 5
	cfg.Conversation.ImageQuota = 9
	return cfg
}

func TestBuild_FileCache(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{ImageDir: filepath.Join(dir, "ds", "search_images"), CacheDir: filepath.Join(dir, "ds")}

	c, err := Build(context.Background(), testConfig(), paths, nil, logger.NewTestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Manager)
	assert.Nil(t, c.Redis)
	assert.DirExists(t, paths.ImageDir)
	assert.DirExists(t, paths.CacheDir)
}

func TestBuild_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Cache.Backend = "redis"
	cfg.Database.Redis.Address = mr.Addr()

	c, err := Build(context.Background(), cfg, Paths{ImageDir: t.TempDir(), CacheDir: t.TempDir()}, nil, logger.NewTestLogger(t))
	require.NoError(t, err)
	require.NotNil(t, c.Redis)
	assert.NoError(t, c.Close())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"unknown model provider", func(cfg *config.Config) { cfg.Model.Provider = "bard" }},
		{"unknown search provider", func(cfg *config.Config) { cfg.Search.Provider = "altavista" }},
		{"unknown cache backend", func(cfg *config.Config) { cfg.Cache.Backend = "memcached" }},
		{"missing prompt file", func(cfg *config.Config) { cfg.Conversation.PromptFile = "/nonexistent/prompt.txt" }},
		{"elasticsearch without addresses", func(cfg *config.Config) { cfg.Search.Provider = "elasticsearch" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := Build(context.Background(), cfg, Paths{ImageDir: t.TempDir(), CacheDir: t.TempDir()}, nil, logger.NewNoOpLogger())
			assert.Error(t, err)
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, 5, time.Millisecond, logger.NewNoOpLogger(), "dial")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryWithBackoff(func() error {
		calls++
		return errors.New("connection refused")
	}, 2, time.Millisecond, logger.NewNoOpLogger(), "dial")
	assert.ErrorContains(t, err, "dial failed after 2 attempts")
	assert.Equal(t, 2, calls)
}
