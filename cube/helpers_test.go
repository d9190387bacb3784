package cube_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/x-research-team/dtx-cube/cube"
)

// --- Тестовый клиент ---

// loadFunc определяет поведение операции Load тестового клиента.
type loadFunc func(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.ResultSet, error)

// fakeClient — управляемая реализация cube.Client. Как и настоящий клиент,
// отбрасывает ответы на вызовы, вытесненные по мьютексу.
type fakeClient struct {
	mu    sync.Mutex
	calls []string

	load func(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.ResultSet, error)
	meta func(ctx context.Context) (*cube.Meta, error)
	sql  func(ctx context.Context, q *cube.Query) (*cube.SQLQuery, error)

	subscriptions []*fakeSubscription
}

func (c *fakeClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// Calls возвращает журнал вызовов в порядке их поступления.
func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) count(call string) int {
	n := 0
	for _, name := range c.Calls() {
		if name == call {
			n++
		}
	}
	return n
}

func (c *fakeClient) Meta(ctx context.Context, opts cube.CallOptions) (*cube.Meta, error) {
	c.record("meta")
	ticket := opts.Ticket()
	var (
		res *cube.Meta
		err error
	)
	if c.meta != nil {
		res, err = c.meta(ctx)
	} else {
		res = &cube.Meta{Cubes: []cube.CubeMeta{{Name: "Orders"}}}
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}
	return res, err
}

func (c *fakeClient) SQL(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.SQLQuery, error) {
	c.record("sql")
	ticket := opts.Ticket()
	var (
		res *cube.SQLQuery
		err error
	)
	if c.sql != nil {
		res, err = c.sql(ctx, q)
	} else {
		res = &cube.SQLQuery{SQL: "SELECT 1"}
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}
	return res, err
}

func (c *fakeClient) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.ResultSet, error) {
	c.record("load")
	ticket := opts.Ticket()
	var (
		res *cube.ResultSet
		err error
	)
	if c.load != nil {
		res, err = c.load(ctx, q, opts)
	} else {
		res = cube.NewResultSet(q, nil)
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}
	return res, err
}

func (c *fakeClient) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (cube.Subscription, error) {
	c.record("subscribe")
	sub := &fakeSubscription{
		client:   c,
		query:    q,
		callback: callback,
		progress: opts.Progress,
	}
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *fakeClient) subscription(i int) *fakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[i]
}

// fakeSubscription продолжает доставлять результаты даже после отписки,
// чтобы проверить, что движок сам отбрасывает такие доставки.
type fakeSubscription struct {
	client       *fakeClient
	query        *cube.Query
	callback     cube.SubscribeFunc
	progress     cube.ProgressFunc
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe(ctx context.Context) error {
	s.client.record("unsubscribe")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSubscription) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *fakeSubscription) emit(result *cube.ResultSet, err error) {
	s.callback(result, err)
}

func (s *fakeSubscription) emitProgress(p cube.Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}

// delayedLoad возвращает строки rows через delay для запроса с мерой measure.
func delayedLoad(delays map[string]time.Duration, rows map[string][]map[string]any) loadFunc {
	return func(ctx context.Context, q *cube.Query, _ cube.CallOptions) (*cube.ResultSet, error) {
		key := q.Measures[0]
		time.Sleep(delays[key])
		return cube.NewResultSet(q, rows[key]), nil
	}
}

// --- Запись публикаций ---

// recorder сохраняет все опубликованные движком состояния.
type recorder[R any] struct {
	mu     sync.Mutex
	states []cube.State[R]
}

func (r *recorder[R]) listener(s cube.State[R]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder[R]) all() []cube.State[R] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cube.State[R], len(r.states))
	copy(out, r.states)
	return out
}

func (r *recorder[R]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// assertExclusive проверяет инварианты состояния для каждой публикации.
func assertExclusive[R comparable](t *testing.T, states []cube.State[R]) {
	t.Helper()
	var zero R
	for i, s := range states {
		if s.IsLoading {
			assert.NoError(t, s.Error, "публикация %d: загрузка с ошибкой", i)
		}
		if s.Error != nil {
			assert.Equal(t, zero, s.Result, "публикация %d: результат вместе с ошибкой", i)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

func countQuery(measure string) *cube.Query {
	return &cube.Query{Measures: []string{measure}}
}
