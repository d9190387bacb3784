package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HTTPTransport доставляет запросы по HTTP. Метаданные запрашиваются
// методом GET, остальные методы отправляются POST с телом в JSON.
type HTTPTransport struct {
	apiURL string
	cfg    *transportConfig
}

// NewHTTPTransport создает HTTP-транспорт для API по адресу apiURL.
func NewHTTPTransport(apiURL string, opts ...TransportOption) *HTTPTransport {
	return &HTTPTransport{
		apiURL: strings.TrimRight(apiURL, "/"),
		cfg:    newTransportConfig(opts),
	}
}

// Request реализует Transport.
func (t *HTTPTransport) Request(ctx context.Context, method string, params any) ([]byte, error) {
	req, err := t.newRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}

	requestID := req.Header.Get("x-request-id")
	t.cfg.logger.Debug("отправка HTTP-запроса",
		slog.String("method", method),
		slog.String("request_id", requestID),
	)

	resp, err := t.cfg.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка HTTP-запроса %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать ответ %s: %w", method, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		t.cfg.logger.Debug("HTTP-запрос завершился ошибкой",
			slog.String("method", method),
			slog.String("request_id", requestID),
			slog.Int("status", resp.StatusCode),
		)
		return nil, newRequestError(resp.StatusCode, body)
	}
	return body, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, params any) (*http.Request, error) {
	url := t.apiURL + "/" + method

	var (
		req *http.Request
		err error
	)
	if method == methodMeta {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		var body []byte
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("не удалось сериализовать параметры %s: %w", method, err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	}
	if err != nil {
		return nil, fmt.Errorf("не удалось создать запрос %s: %w", method, err)
	}

	req.Header = t.cfg.header(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-request-id", uuid.NewString()+"-span-1")
	return req, nil
}
