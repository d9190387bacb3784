package sqlapi

import (
	"log/slog"
	"time"
)

type config struct {
	logger       *slog.Logger
	schema       string
	pollInterval time.Duration
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:       slog.New(slog.DiscardHandler),
		schema:       "public",
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option определяет тип для функциональных опций клиента SQL API.
type Option func(*config)

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSchema задает схему, в которой опубликованы кубы.
func WithSchema(schema string) Option {
	return func(c *config) {
		c.schema = schema
	}
}

// WithPollInterval задает интервал опроса подписок.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}
