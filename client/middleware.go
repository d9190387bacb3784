package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-cube/cube"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-cube/client"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "cube.client."
)

const (
	statusSuccess    = "success"
	statusError      = "error"
	statusSuperseded = "superseded"
)

// Middleware определяет интерфейс для middleware клиента.
type Middleware interface {
	Wrap(next cube.Client) cube.Client
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next cube.Client) cube.Client

// Wrap реализует интерфейс Middleware.
func (f MiddlewareFunc) Wrap(next cube.Client) cube.Client {
	return f(next)
}

// Chain применяет цепочку middleware к клиенту. Первое middleware
// оказывается внешним.
func Chain(c cube.Client, middlewares ...Middleware) cube.Client {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		c = middlewares[i].Wrap(c)
	}
	return c
}

// noopMiddleware представляет собой пустое middleware.
type noopMiddleware struct{}

// Wrap просто возвращает следующий клиент без изменений.
func (noopMiddleware) Wrap(next cube.Client) cube.Client {
	return next
}

// loggingMiddleware реализует Middleware для логирования вызовов.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		return noopMiddleware{}
	}
	return &loggingMiddleware{logger: logger}
}

// Wrap оборачивает клиент для добавления логирования.
func (m *loggingMiddleware) Wrap(next cube.Client) cube.Client {
	return &loggingClient{
		next:   next,
		logger: m.logger.With(slog.String("client", clientName(next))),
	}
}

// loggingClient — обертка над клиентом, которая добавляет логирование.
type loggingClient struct {
	next   cube.Client
	logger *slog.Logger
}

func (c *loggingClient) Meta(ctx context.Context, opts cube.CallOptions) (meta *cube.Meta, err error) {
	defer c.log(ctx, methodMeta, nil, opts, time.Now(), &err)
	return c.next.Meta(ctx, opts)
}

func (c *loggingClient) SQL(ctx context.Context, q *cube.Query, opts cube.CallOptions) (sql *cube.SQLQuery, err error) {
	defer c.log(ctx, methodSQL, q, opts, time.Now(), &err)
	return c.next.SQL(ctx, q, opts)
}

func (c *loggingClient) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (rs *cube.ResultSet, err error) {
	defer c.log(ctx, methodLoad, q, opts, time.Now(), &err)
	return c.next.Load(ctx, q, opts)
}

func (c *loggingClient) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (sub cube.Subscription, err error) {
	defer c.log(ctx, methodSubscribe, q, opts, time.Now(), &err)
	return c.next.Subscribe(ctx, q, opts, callback)
}

func (c *loggingClient) log(ctx context.Context, method string, q *cube.Query, opts cube.CallOptions, start time.Time, errp *error) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("mutex_id", opts.Mutex.ID()),
		slog.String("mutex_key", opts.MutexKey),
		slog.Duration("duration", time.Since(start)),
	}
	if q != nil {
		attrs = append(attrs, slog.Any("members", q.Members()))
	}

	err := *errp
	switch {
	case err == nil:
		c.logger.LogAttrs(ctx, slog.LevelInfo, "запрос выполнен", attrs...)
	case errors.Is(err, cube.ErrSuperseded):
		c.logger.LogAttrs(ctx, slog.LevelDebug, "запрос вытеснен", attrs...)
	default:
		attrs = append(attrs, slog.Any("error", err))
		c.logger.LogAttrs(ctx, slog.LevelError, "ошибка запроса", attrs...)
	}
}

// metricsMiddleware реализует Middleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	requestCounter metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) Middleware {
	if provider == nil {
		return noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	requestCounter, err := meter.Int64Counter(
		metricKeyPrefix+"request.count",
		metric.WithDescription("Количество запросов к аналитическому API"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик request.count: %v", err))
	}

	durationHist, err := meter.Float64Histogram(
		metricKeyPrefix+"request.duration",
		metric.WithDescription("Длительность запроса к аналитическому API"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму request.duration: %v", err))
	}

	return &metricsMiddleware{
		requestCounter: requestCounter,
		durationHist:   durationHist,
	}
}

// Wrap оборачивает клиент для добавления сбора метрик.
func (m *metricsMiddleware) Wrap(next cube.Client) cube.Client {
	return &metricsClient{next: next, m: m}
}

// metricsClient — обертка над клиентом, которая собирает метрики.
type metricsClient struct {
	next cube.Client
	m    *metricsMiddleware
}

func (c *metricsClient) Meta(ctx context.Context, opts cube.CallOptions) (meta *cube.Meta, err error) {
	defer c.record(ctx, methodMeta, time.Now(), &err)
	return c.next.Meta(ctx, opts)
}

func (c *metricsClient) SQL(ctx context.Context, q *cube.Query, opts cube.CallOptions) (sql *cube.SQLQuery, err error) {
	defer c.record(ctx, methodSQL, time.Now(), &err)
	return c.next.SQL(ctx, q, opts)
}

func (c *metricsClient) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (rs *cube.ResultSet, err error) {
	defer c.record(ctx, methodLoad, time.Now(), &err)
	return c.next.Load(ctx, q, opts)
}

func (c *metricsClient) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (sub cube.Subscription, err error) {
	defer c.record(ctx, methodSubscribe, time.Now(), &err)
	return c.next.Subscribe(ctx, q, opts, callback)
}

func (c *metricsClient) record(ctx context.Context, method string, start time.Time, errp *error) {
	duration := float64(time.Since(start).Milliseconds())
	attrs := metric.WithAttributes(
		attribute.String("cube.method", method),
		attribute.String("status", status(*errp)),
	)
	c.m.requestCounter.Add(ctx, 1, attrs)
	c.m.durationHist.Record(ctx, duration, attrs)
}

// tracingMiddleware реализует Middleware для распределенной трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		return noopMiddleware{}
	}
	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
	}
}

// Wrap оборачивает клиент для добавления логики трассировки.
func (m *tracingMiddleware) Wrap(next cube.Client) cube.Client {
	return &tracingClient{next: next, tracer: m.tracer}
}

// tracingClient — обертка над клиентом, которая управляет спанами трассировки.
// Контекст спана передается транспорту, который распространяет его в заголовки.
type tracingClient struct {
	next   cube.Client
	tracer trace.Tracer
}

func (c *tracingClient) Meta(ctx context.Context, opts cube.CallOptions) (meta *cube.Meta, err error) {
	ctx, span := c.start(ctx, methodMeta, nil, opts)
	defer end(span, &err)
	return c.next.Meta(ctx, opts)
}

func (c *tracingClient) SQL(ctx context.Context, q *cube.Query, opts cube.CallOptions) (sql *cube.SQLQuery, err error) {
	ctx, span := c.start(ctx, methodSQL, q, opts)
	defer end(span, &err)
	return c.next.SQL(ctx, q, opts)
}

func (c *tracingClient) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (rs *cube.ResultSet, err error) {
	ctx, span := c.start(ctx, methodLoad, q, opts)
	defer end(span, &err)
	return c.next.Load(ctx, q, opts)
}

func (c *tracingClient) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (sub cube.Subscription, err error) {
	ctx, span := c.start(ctx, methodSubscribe, q, opts)
	defer end(span, &err)
	return c.next.Subscribe(ctx, q, opts, callback)
}

func (c *tracingClient) start(ctx context.Context, method string, q *cube.Query, opts cube.CallOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("cube.method", method),
		attribute.String("cube.mutex_key", opts.MutexKey),
	}
	if q != nil {
		attrs = append(attrs, attribute.StringSlice("cube.members", q.Members()))
	}
	return c.tracer.Start(ctx, "cube."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func end(span trace.Span, errp *error) {
	switch err := *errp; {
	case err == nil:
	case errors.Is(err, cube.ErrSuperseded):
		span.SetAttributes(attribute.Bool("cube.superseded", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func status(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, cube.ErrSuperseded):
		return statusSuperseded
	default:
		return statusError
	}
}

// clientName извлекает имя типа клиента.
func clientName(c cube.Client) string {
	t := reflect.TypeOf(c)
	if t == nil {
		return "nil"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
