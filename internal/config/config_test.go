package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoyun/redmatch/internal/match"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 2000, cfg.CandidateLimit)
	assert.Equal(t, 10000, cfg.StreamingThreshold)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REDMATCH_PG_DSN", "postgres://localhost/redmatch")
	t.Setenv("REDMATCH_WORKER_COUNT", "8")
	t.Setenv("REDMATCH_SORT_STRATEGY", "amount_asc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/redmatch", cfg.PostgresDSN)
	assert.Equal(t, 8, cfg.WorkerCount)

	opts := cfg.BatchOptions()
	assert.Equal(t, 8, opts.WorkerCount)
	assert.Equal(t, match.SortAmountAsc, opts.SortStrategy)
	require.NoError(t, opts.Normalize())
}
