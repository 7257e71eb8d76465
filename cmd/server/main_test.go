package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/interaction-rooms/internal"
	"github.com/koopa0/interaction-rooms/internal/limiter"
)

func TestSetupLogger(t *testing.T) {
	logger := setupLogger("debug", "json")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = setupLogger("warn", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	logger = setupLogger("bogus", "text")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestSetupCommandLimiter_FallsBackToLocal(t *testing.T) {
	cfg := internal.DefaultConfig().Limits
	cfg.RedisAddr = "127.0.0.1:1"

	lim, closer := setupCommandLimiter(cfg, setupLogger("error", "text"))
	defer closer()

	_, ok := lim.(*limiter.Local)
	require.True(t, ok, "unreachable redis should fall back to the local limiter")

	allowed, err := lim.Allow(context.Background(), "commands:room")
	require.NoError(t, err)
	assert.True(t, allowed)
}
