package client

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultContinueWaitDelay = time.Second
)

// config содержит неэкспортируемую конфигурацию клиента.
type config struct {
	logger            *slog.Logger
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	middlewares       []Middleware
	pollInterval      time.Duration
	continueWaitDelay time.Duration
}

func newConfig(opts []Option) *config {
	cfg := &config{
		pollInterval:      defaultPollInterval,
		continueWaitDelay: defaultContinueWaitDelay,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option определяет тип для функциональных опций клиента.
type Option func(*config)

// WithLogger возвращает опцию, которая устанавливает логгер клиента.
// Без логгера middleware логирования не подключается.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider возвращает опцию, которая устанавливает провайдер трассировки.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider возвращает опцию, которая устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithMiddleware возвращает опцию, которая добавляет middleware в цепочку
// после стандартных.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithPollInterval задает интервал опроса для подписок без серверной доставки.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithContinueWaitDelay задает паузу перед повтором запроса, который
// еще выполняется на сервере.
func WithContinueWaitDelay(delay time.Duration) Option {
	return func(c *config) {
		if delay > 0 {
			c.continueWaitDelay = delay
		}
	}
}
