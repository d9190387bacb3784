package cube

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/goccy/go-reflect"

	"github.com/x-research-team/dtx-cube/reactive"
)

// FetchOptions — входные данные движка разовой выборки.
type FetchOptions struct {
	// Skip подавляет выполнение, пока не будет вызван Refetch.
	Skip bool
	// Client переопределяет клиента окружения.
	Client Client
	// Query используется только методами, которым нужен запрос.
	Query *Query
}

// merge накладывает непустые поля o поверх базовых опций.
func (base FetchOptions) merge(o FetchOptions) FetchOptions {
	if o.Client != nil {
		base.Client = o.Client
	}
	if o.Query != nil {
		base.Query = o.Query
	}
	return base
}

// caller привязывает метод движка к операции клиента.
type caller[R any] func(ctx context.Context, c Client, q *Query, opts CallOptions) (R, error)

// Fetch — движок разовой выборки для метаданных или SQL запроса.
// Повторно выполняет запрос при каждом изменении входных данных и публикует
// состояние загрузки, результат и ошибку.
type Fetch[R any] struct {
	method Method
	call   caller[R]
	cfg    *config
	mutex  *Mutex
	live   liveness
	state  *reactive.Signal[State[R]]
	wg     sync.WaitGroup

	mu         sync.Mutex
	bound      FetchOptions
	issued     bool
	lastClient Client
	lastQuery  *Query
}

func newFetch[R any](method Method, call caller[R], opts []Option) *Fetch[R] {
	return &Fetch[R]{
		method: method,
		call:   call,
		cfg:    newConfig(opts),
		mutex:  NewMutex(),
		state:  reactive.NewSignal(State[R]{}),
	}
}

// NewMetaFetch создает движок загрузки метаданных.
func NewMetaFetch(opts ...Option) *Fetch[*Meta] {
	return newFetch(MethodMeta, func(ctx context.Context, c Client, _ *Query, o CallOptions) (*Meta, error) {
		return c.Meta(ctx, o)
	}, opts)
}

// NewSQLFetch создает движок получения SQL для запроса.
func NewSQLFetch(opts ...Option) *Fetch[*SQLQuery] {
	return newFetch(MethodSQL, func(ctx context.Context, c Client, q *Query, o CallOptions) (*SQLQuery, error) {
		return c.SQL(ctx, q, o)
	}, opts)
}

// Method возвращает слот движка.
func (f *Fetch[R]) Method() Method {
	return f.method
}

// State возвращает текущее состояние.
func (f *Fetch[R]) State() State[R] {
	return f.state.Get()
}

// Observe подписывает наблюдателя на публикации состояния.
func (f *Fetch[R]) Observe(fn func(State[R])) (unsubscribe func()) {
	return f.state.Subscribe(reactive.Listener[State[R]](fn))
}

// Evaluate запоминает входные данные и, если они изменились, асинхронно
// выполняет запрос. Повторный вызов с теми же данными ничего не делает.
func (f *Fetch[R]) Evaluate(ctx context.Context, opts FetchOptions) {
	if !f.live.alive() {
		return
	}
	f.mu.Lock()
	f.bound = opts
	run := f.prepare(ctx, opts, false)
	if run != nil {
		f.wg.Add(1)
	}
	f.mu.Unlock()
	f.state.Flush()

	if run != nil {
		go func() {
			defer f.wg.Done()
			run()
		}()
	}
}

// Refetch выполняет запрос безусловно, игнорируя Skip. Опции вызова
// накладываются поверх последних переданных в Evaluate.
// Блокируется до публикации результата.
func (f *Fetch[R]) Refetch(ctx context.Context, opts FetchOptions) {
	if !f.live.alive() {
		return
	}
	f.mu.Lock()
	run := f.prepare(ctx, f.bound.merge(opts), true)
	f.mu.Unlock()
	f.state.Flush()

	if run != nil {
		run()
	}
}

// Wait блокируется до завершения всех запущенных через Evaluate запросов.
func (f *Fetch[R]) Wait() {
	f.wg.Wait()
}

// Close отключает потребителя: поздние ответы больше не публикуются.
func (f *Fetch[R]) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live.kill()
	return nil
}

// prepare решает, нужно ли выполнять запрос, и ставит состояние загрузки в очередь
// сигнала. Вызывается под f.mu. Возвращает nil, если выполнять нечего.
func (f *Fetch[R]) prepare(ctx context.Context, opts FetchOptions, force bool) func() {
	client := resolveClient(ctx, opts.Client, f.cfg.scope)
	if client == nil {
		return nil
	}
	if opts.Skip && !force {
		return nil
	}

	var q *Query
	if f.method != MethodMeta {
		q = opts.Query
		if !f.cfg.present(q) {
			return nil
		}
	}

	if !force && f.issued && sameClient(client, f.lastClient) && f.cfg.equal(q, f.lastQuery) {
		return nil
	}
	q = q.Clone()
	f.issued = true
	f.lastClient = client
	f.lastQuery = q

	f.state.Apply(func(s *State[R]) { *s = State[R]{IsLoading: true} })

	call := f.mutex.call(f.method, nil)
	return func() {
		f.execute(ctx, client, q, call)
	}
}

func (f *Fetch[R]) execute(ctx context.Context, client Client, q *Query, call CallOptions) {
	result, err := f.call(ctx, client, q, call)
	if errors.Is(err, ErrSuperseded) {
		return
	}

	f.mu.Lock()
	if !f.live.alive() || !call.Ticket().Valid() {
		f.mu.Unlock()
		return
	}
	next := State[R]{Result: result}
	if err != nil {
		f.cfg.logger.Debug("ошибка выполнения запроса",
			slog.String("method", f.method.String()),
			slog.String("mutex_id", f.mutex.ID()),
			slog.Any("error", err),
		)
		next = State[R]{Error: err}
	}
	f.state.Apply(func(s *State[R]) { *s = next })
	f.mu.Unlock()

	// Наблюдатели вызываются без блокировки движка и могут вызывать Refetch.
	f.state.Flush()
}

// sameClient сравнивает клиентов по идентичности. Клиенты с несравнимыми
// динамическими типами считаются различными.
func sameClient(a, b Client) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
