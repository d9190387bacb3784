package cube

import "log/slog"

// config содержит неэкспортируемую конфигурацию движков.
type config struct {
	logger  *slog.Logger
	scope   *Scope
	equal   func(a, b *Query) bool
	present func(q *Query) bool
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:  slog.New(slog.DiscardHandler),
		equal:   AreQueriesEqual,
		present: IsQueryPresent,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option определяет тип для функциональных опций движков.
type Option func(*config)

// WithLogger устанавливает логгер движка.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithScope устанавливает окружение, из которого берется клиент по умолчанию.
func WithScope(s *Scope) Option {
	return func(c *config) {
		c.scope = s
	}
}

// WithEquality заменяет отношение равенства запросов.
func WithEquality(equal func(a, b *Query) bool) Option {
	return func(c *config) {
		if equal != nil {
			c.equal = equal
		}
	}
}

// WithPresence заменяет проверку наличия запроса.
func WithPresence(present func(q *Query) bool) Option {
	return func(c *config) {
		if present != nil {
			c.present = present
		}
	}
}
