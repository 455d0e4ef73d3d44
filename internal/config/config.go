package config

import (
	"github.com/kelseyhightower/envconfig"

	"github.com/fapiaoyun/redmatch/internal/match"
)

// Config is the service configuration, read from REDMATCH_* environment
// variables.
type Config struct {
	PostgresDSN string `envconfig:"PG_DSN"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	RateBurst  int `envconfig:"RATE_BURST" default:"50"`
	RatePerSec int `envconfig:"RATE_PER_SEC" default:"25"`

	// Default batch options; callers may override per request.
	WorkerCount        int    `envconfig:"WORKER_COUNT" default:"4"`
	CandidateLimit     int    `envconfig:"CANDIDATE_LIMIT" default:"2000"`
	StreamingThreshold int    `envconfig:"STREAMING_THRESHOLD" default:"10000"`
	SortStrategy       string `envconfig:"SORT_STRATEGY" default:"amount_desc"`
	CandidateOrder     string `envconfig:"CANDIDATE_ORDER" default:"remaining_asc"`
	MaxStaleRetries    int    `envconfig:"MAX_STALE_RETRIES" default:"3"`
	MaxRefetchRounds   int    `envconfig:"MAX_REFETCH_ROUNDS" default:"2"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("redmatch", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// BatchOptions converts the configured defaults into engine options.
func (c Config) BatchOptions() match.BatchOptions {
	opts := match.DefaultOptions()
	opts.WorkerCount = c.WorkerCount
	opts.CandidateLimit = c.CandidateLimit
	opts.StreamingThreshold = c.StreamingThreshold
	opts.SortStrategy = match.SortStrategy(c.SortStrategy)
	opts.CandidateOrder = match.CandidateOrder(c.CandidateOrder)
	opts.MaxStaleRetries = c.MaxStaleRetries
	opts.MaxRefetchRounds = c.MaxRefetchRounds
	return opts
}
