// Package client предоставляет клиент аналитического API поверх сменных
// транспортов, а также middleware для логирования, метрик и трассировки.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/x-research-team/dtx-cube/cube"
)

// continueWait — ответ сервера на запрос, который еще выполняется.
const continueWait = "Continue wait"

// API реализует cube.Client поверх транспорта.
// Ответы на вызовы, вытесненные более новыми вызовами с тем же мьютексом и
// слотом, отбрасываются с ошибкой cube.ErrSuperseded.
type API struct {
	transport Transport
	cfg       *config
	logger    *slog.Logger
}

// NewAPI создает клиент без middleware.
func NewAPI(transport Transport, opts ...Option) *API {
	cfg := newConfig(opts)
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// New создает клиент и оборачивает его стандартной цепочкой middleware:
// логирование, метрики, трассировка, затем пользовательские middleware.
func New(transport Transport, opts ...Option) cube.Client {
	api := NewAPI(transport, opts...)
	middlewares := []Middleware{
		NewLoggingMiddleware(api.cfg.logger),
		NewMetricsMiddleware(api.cfg.meterProvider),
		NewTracingMiddleware(api.cfg.tracerProvider),
	}
	middlewares = append(middlewares, api.cfg.middlewares...)
	return Chain(api, middlewares...)
}

// Meta загружает метаданные модели данных.
func (a *API) Meta(ctx context.Context, opts cube.CallOptions) (*cube.Meta, error) {
	body, err := a.request(ctx, methodMeta, nil, opts)
	if err != nil {
		return nil, err
	}
	var meta cube.Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("не удалось разобрать метаданные: %w", err)
	}
	return &meta, nil
}

// SQL возвращает SQL, сгенерированный для запроса.
func (a *API) SQL(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.SQLQuery, error) {
	body, err := a.request(ctx, methodSQL, queryParams{Query: q}, opts)
	if err != nil {
		return nil, err
	}
	return decodeSQL(body)
}

// Load выполняет запрос и возвращает набор результатов.
func (a *API) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.ResultSet, error) {
	body, err := a.request(ctx, methodLoad, loadParams(q), opts)
	if err != nil {
		return nil, err
	}
	return decodeResultSet(body)
}

// Subscribe открывает подписку на результаты запроса. Если транспорт
// реализует Streamer, результаты доставляет сервер, иначе запрос
// периодически повторяется.
func (a *API) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (cube.Subscription, error) {
	opts = opts.Pin()
	streamer, ok := a.transport.(Streamer)
	if !ok {
		load := func(ctx context.Context) (*cube.ResultSet, error) {
			return a.Load(ctx, q, opts)
		}
		return Poll(ctx, a.cfg.pollInterval, load, callback, a.logger), nil
	}

	ticket := opts.Ticket()
	sub, err := streamer.Stream(ctx, methodSubscribe, loadParams(q), func(body []byte, err error) {
		if !ticket.Valid() {
			a.logger.Debug("ответ подписки вытеснен", slog.String("mutex_key", ticket.Key()))
			return
		}
		if err != nil {
			callback(nil, err)
			return
		}
		if p, wait := decodeContinueWait(body); wait {
			if opts.Progress != nil {
				opts.Progress(p)
			}
			return
		}
		if err := decodeError(body); err != nil {
			callback(nil, err)
			return
		}
		callback(decodeResultSet(body))
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть подписку: %w", err)
	}
	return sub, nil
}

// request выполняет запрос, повторяя его, пока сервер отвечает "Continue wait".
func (a *API) request(ctx context.Context, method string, params any, opts cube.CallOptions) ([]byte, error) {
	ticket := opts.Ticket()
	for {
		body, err := a.transport.Request(ctx, method, params)
		if !ticket.Valid() {
			return nil, cube.ErrSuperseded
		}
		if err != nil {
			return nil, err
		}

		p, wait := decodeContinueWait(body)
		if !wait {
			if err := decodeError(body); err != nil {
				return nil, err
			}
			return body, nil
		}

		if opts.Progress != nil {
			opts.Progress(p)
		}
		a.logger.Debug("запрос еще выполняется",
			slog.String("method", method),
			slog.String("stage", p.Stage),
			slog.Int64("time_elapsed", p.TimeElapsed),
		)

		timer := time.NewTimer(a.cfg.continueWaitDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if !ticket.Valid() {
			return nil, cube.ErrSuperseded
		}
	}
}

// queryParams — параметры запросов sql и load.
type queryParams struct {
	Query     *cube.Query `json:"query"`
	QueryType string      `json:"queryType,omitempty"`
}

func loadParams(q *cube.Query) queryParams {
	return queryParams{Query: q, QueryType: "multi"}
}

// decodeContinueWait распознает промежуточный ответ длительного запроса.
func decodeContinueWait(body []byte) (cube.Progress, bool) {
	if !bytes.Contains(body, []byte(continueWait)) {
		return cube.Progress{}, false
	}
	var payload struct {
		Error string         `json:"error"`
		Stage *cube.Progress `json:"stage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error != continueWait {
		return cube.Progress{}, false
	}
	if payload.Stage == nil {
		return cube.Progress{Stage: continueWait}, true
	}
	return *payload.Stage, true
}

// decodeError извлекает ошибку из тела успешного ответа.
func decodeError(body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return nil
	}
	return &RequestError{Message: payload.Error}
}

// decodeResultSet разбирает ответ на запрос load. Поддерживаются как
// многорезультатный ответ, так и ответ с одним результатом.
func decodeResultSet(body []byte) (*cube.ResultSet, error) {
	var rs cube.ResultSet
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("не удалось разобрать результат запроса: %w", err)
	}
	if len(rs.Results) > 0 {
		return &rs, nil
	}

	var single cube.LoadResult
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("не удалось разобрать результат запроса: %w", err)
	}
	return &cube.ResultSet{QueryType: "regularQuery", Results: []cube.LoadResult{single}}, nil
}

// decodeSQL разбирает ответ на запрос sql вида {"sql": {"sql": [text, params]}}.
func decodeSQL(body []byte) (*cube.SQLQuery, error) {
	var payload struct {
		SQL struct {
			SQL []json.RawMessage `json:"sql"`
		} `json:"sql"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("не удалось разобрать SQL: %w", err)
	}

	out := &cube.SQLQuery{}
	if len(payload.SQL.SQL) > 0 {
		if err := json.Unmarshal(payload.SQL.SQL[0], &out.SQL); err != nil {
			return nil, fmt.Errorf("не удалось разобрать текст SQL: %w", err)
		}
	}
	if len(payload.SQL.SQL) > 1 {
		if err := json.Unmarshal(payload.SQL.SQL[1], &out.Params); err != nil {
			return nil, fmt.Errorf("не удалось разобрать параметры SQL: %w", err)
		}
	}
	return out, nil
}
