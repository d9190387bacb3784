package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-cube/cube"
)

// Методы протокола аналитического API.
const (
	methodLoad        = "load"
	methodSQL         = "sql"
	methodMeta        = "meta"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

// Transport определяет контракт для сменных механизмов доставки запросов.
type Transport interface {
	// Request отправляет запрос method с параметрами params и возвращает
	// тело ответа. Ответы с ошибкой возвращаются как *RequestError.
	Request(ctx context.Context, method string, params any) ([]byte, error)
}

// Streamer — необязательное расширение транспорта для серверных подписок.
// Транспорт без Streamer обслуживает подписки периодическим опросом.
type Streamer interface {
	// Stream открывает поток ответов на запрос method. fn вызывается для
	// каждого ответа, пока подписка не будет освобождена.
	Stream(ctx context.Context, method string, params any, fn func(body []byte, err error)) (cube.Subscription, error)
}

// RequestError — ошибка, возвращенная аналитическим API.
type RequestError struct {
	Status  int
	Message string
}

// Error реализует интерфейс error.
func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("ошибка аналитического API: %s", e.Message)
	}
	return fmt.Sprintf("ошибка аналитического API (%d): %s", e.Status, e.Message)
}

// newRequestError разбирает тело ответа с ошибкой.
func newRequestError(status int, body []byte) *RequestError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RequestError{Status: status, Message: msg}
}

// transportConfig содержит неэкспортируемую конфигурацию транспортов.
type transportConfig struct {
	token      string
	headers    http.Header
	httpClient *http.Client
	dialer     *websocket.Dialer
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

func newTransportConfig(opts []TransportOption) *transportConfig {
	cfg := &transportConfig{
		headers:    make(http.Header),
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// header собирает заголовки запроса с токеном и контекстом трассировки.
func (c *transportConfig) header(ctx context.Context) http.Header {
	h := c.headers.Clone()
	if c.token != "" {
		h.Set("Authorization", c.token)
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(h))
	return h
}

// TransportOption определяет тип для функциональных опций транспортов.
type TransportOption func(*transportConfig)

// WithToken устанавливает токен авторизации.
func WithToken(token string) TransportOption {
	return func(c *transportConfig) {
		c.token = token
	}
}

// WithHeader добавляет заголовок ко всем запросам.
func WithHeader(key, value string) TransportOption {
	return func(c *transportConfig) {
		c.headers.Add(key, value)
	}
}

// WithHTTPClient устанавливает HTTP-клиент.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(c *transportConfig) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithDialer устанавливает WebSocket-дайлер.
func WithDialer(dialer *websocket.Dialer) TransportOption {
	return func(c *transportConfig) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithHeaderPropagator устанавливает механизм распространения контекста
// трассировки в заголовки запросов.
func WithHeaderPropagator(p propagation.TextMapPropagator) TransportOption {
	return func(c *transportConfig) {
		if p != nil {
			c.propagator = p
		}
	}
}

// WithTransportLogger устанавливает логгер транспорта.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}
