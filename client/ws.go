package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/x-research-team/dtx-cube/cube"
)

const wsWriteTimeout = 10 * time.Second

// wsRequest — исходящее сообщение WebSocket-протокола.
type wsRequest struct {
	MessageID     int64  `json:"messageId"`
	RequestID     string `json:"requestId,omitempty"`
	Method        string `json:"method"`
	Params        any    `json:"params,omitempty"`
	Authorization string `json:"authorization,omitempty"`
}

// wsReply — входящее сообщение WebSocket-протокола.
type wsReply struct {
	MessageID int64           `json:"messageId"`
	Message   json.RawMessage `json:"message"`
	Status    int             `json:"status,omitempty"`
}

// wsHandler получает ответы на одно сообщение.
type wsHandler struct {
	mu     sync.Mutex
	closed bool
	fn     func(body []byte, err error)
}

func (h *wsHandler) deliver(body []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.fn(body, err)
	}
}

func (h *wsHandler) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// WSTransport доставляет запросы через одно WebSocket-соединение и
// реализует Streamer: ответы подписки присылает сервер.
type WSTransport struct {
	conn *websocket.Conn
	cfg  *transportConfig

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[int64]*wsHandler
	err      error

	readDone  chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
}

// DialWS устанавливает соединение с API по адресу url.
func DialWS(ctx context.Context, url string, opts ...TransportOption) (*WSTransport, error) {
	cfg := newTransportConfig(opts)
	conn, resp, err := cfg.dialer.DialContext(ctx, url, cfg.header(ctx))
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("не удалось подключиться к %s: %w", url, newRequestError(resp.StatusCode, body))
		}
		return nil, fmt.Errorf("не удалось подключиться к %s: %w", url, err)
	}

	t := &WSTransport{
		conn:     conn,
		cfg:      cfg,
		handlers: make(map[int64]*wsHandler),
		readDone: make(chan struct{}),
	}
	go t.read()
	return t, nil
}

// Request реализует Transport.
func (t *WSTransport) Request(ctx context.Context, method string, params any) ([]byte, error) {
	type reply struct {
		body []byte
		err  error
	}
	ch := make(chan reply, 1)

	id, h, err := t.send(method, params, func(body []byte, err error) {
		select {
		case ch <- reply{body: body, err: err}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer t.release(id, h)

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream реализует Streamer.
func (t *WSTransport) Stream(_ context.Context, method string, params any, fn func(body []byte, err error)) (cube.Subscription, error) {
	id, h, err := t.send(method, params, fn)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return cube.SubscriptionFunc(func(context.Context) error {
		var err error
		once.Do(func() {
			t.release(id, h)
			err = t.write(wsRequest{MessageID: id, Method: methodUnsubscribe})
			if errors.Is(err, cube.ErrClosed) {
				err = nil
			}
		})
		return err
	}), nil
}

// Close закрывает соединение и дожидается остановки чтения.
func (t *WSTransport) Close(ctx context.Context) error {
	var g errgroup.Group
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		g.Go(func() error {
			t.writeMu.Lock()
			defer t.writeMu.Unlock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			return t.conn.Close()
		})
	})
	g.Go(func() error {
		select {
		case <-t.readDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return g.Wait()
}

// send регистрирует обработчик ответов и отправляет сообщение.
func (t *WSTransport) send(method string, params any, fn func(body []byte, err error)) (int64, *wsHandler, error) {
	id := t.nextID.Add(1)
	h := &wsHandler{fn: fn}

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return 0, nil, err
	}
	t.handlers[id] = h
	t.mu.Unlock()

	req := wsRequest{
		MessageID:     id,
		RequestID:     uuid.NewString() + "-span-1",
		Method:        method,
		Params:        params,
		Authorization: t.cfg.token,
	}
	if err := t.write(req); err != nil {
		t.release(id, h)
		return 0, nil, err
	}
	t.cfg.logger.Debug("отправка сообщения",
		slog.String("method", method),
		slog.Int64("message_id", id),
		slog.String("request_id", req.RequestID),
	)
	return id, h, nil
}

func (t *WSTransport) release(id int64, h *wsHandler) {
	h.close()
	t.mu.Lock()
	delete(t.handlers, id)
	t.mu.Unlock()
}

func (t *WSTransport) write(req wsRequest) error {
	t.mu.Lock()
	closed := t.err != nil
	t.mu.Unlock()
	if closed {
		return cube.ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("не удалось отправить сообщение %s: %w", req.Method, err)
	}
	return nil
}

// read маршрутизирует входящие сообщения по messageId до разрыва соединения.
func (t *WSTransport) read() {
	defer close(t.readDone)
	for {
		var reply wsReply
		if err := t.conn.ReadJSON(&reply); err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		h := t.handlers[reply.MessageID]
		t.mu.Unlock()
		if h == nil {
			t.cfg.logger.Debug("ответ без получателя", slog.Int64("message_id", reply.MessageID))
			continue
		}

		if reply.Status >= http.StatusBadRequest {
			h.deliver(nil, newRequestError(reply.Status, reply.Message))
			continue
		}
		h.deliver(reply.Message, nil)
	}
}

// fail завершает все ожидающие обработчики ошибкой соединения.
func (t *WSTransport) fail(err error) {
	if t.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		err = cube.ErrClosed
	} else {
		t.cfg.logger.Error("ошибка чтения WebSocket", slog.Any("error", err))
		err = fmt.Errorf("соединение разорвано: %w", err)
	}

	t.mu.Lock()
	t.err = err
	handlers := t.handlers
	t.handlers = make(map[int64]*wsHandler)
	t.mu.Unlock()

	for _, h := range handlers {
		h.deliver(nil, err)
	}
}
