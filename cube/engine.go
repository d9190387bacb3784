package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/x-research-team/dtx-cube/reactive"
)

// QueryOptions — входные данные движка непрерывных запросов.
type QueryOptions struct {
	// Client переопределяет клиента окружения.
	Client Client
	// Skip замораживает состояние: запросы не выполняются.
	Skip bool
	// Subscribe включает доставку результатов через живую подписку.
	Subscribe bool
	// ResetResultSetOnChange определяет, очищается ли результат сразу при
	// смене запроса. nil означает true.
	ResetResultSetOnChange *bool
}

func (o QueryOptions) resetOnChange() bool {
	return o.ResetResultSetOnChange == nil || *o.ResetResultSetOnChange
}

// handle — подписка, принадлежащая движку. Доставки от освобожденного
// дескриптора отбрасываются.
type handle struct {
	sub     Subscription
	current atomic.Bool
}

// QueryEngine — движок аналитических запросов с поддержкой подписок.
//
// При каждом Evaluate движок сравнивает входящий запрос с последним
// выполненным, освобождает предыдущую подписку и запускает либо разовую
// выборку, либо живую подписку. В любой момент у экземпляра не больше одной
// подписки.
type QueryEngine struct {
	cfg   *config
	mutex *Mutex
	live  liveness
	state *reactive.Signal[State[*ResultSet]]
	wg    sync.WaitGroup

	// evalMu сериализует Evaluate и Close.
	evalMu sync.Mutex

	// phase и current читаются без блокировки, в том числе наблюдателями.
	phase   atomic.Int32
	current atomic.Pointer[Query]

	mu         sync.Mutex
	client     Client
	subscribed bool
	issued     bool
	active     *handle
	latest     *Query
	latestOpts QueryOptions
}

// NewQueryEngine создает движок непрерывных запросов.
func NewQueryEngine(opts ...Option) *QueryEngine {
	return &QueryEngine{
		cfg:   newConfig(opts),
		mutex: NewMutex(),
		state: reactive.NewSignal(State[*ResultSet]{}),
	}
}

// State возвращает текущее состояние.
func (e *QueryEngine) State() State[*ResultSet] {
	return e.state.Get()
}

// Observe подписывает наблюдателя на публикации состояния. Наблюдатель
// вызывается без блокировок движка и может вызывать Refetch.
func (e *QueryEngine) Observe(fn func(State[*ResultSet])) (unsubscribe func()) {
	return e.state.Subscribe(reactive.Listener[State[*ResultSet]](fn))
}

// Phase возвращает текущую фазу конечного автомата.
func (e *QueryEngine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *QueryEngine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

// LastQuery возвращает копию последнего выполненного запроса.
func (e *QueryEngine) LastQuery() *Query {
	return e.current.Load().Clone()
}

// Evaluate вызывается при каждом реактивном пересчете потребителя.
//
// Skip или пустой запрос замораживают состояние. Отсутствие клиента не
// является ошибкой. Если не изменились ни запрос, ни режим подписки, ни
// клиент, вызов ничего не делает.
func (e *QueryEngine) Evaluate(ctx context.Context, q *Query, opts QueryOptions) {
	// Наблюдатели уведомляются после снятия evalMu.
	defer e.state.Flush()
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	if !e.live.alive() {
		return
	}

	e.mu.Lock()
	e.latest = q.Clone()
	e.latestOpts = opts
	e.mu.Unlock()

	if opts.Skip || !e.cfg.present(q) {
		return
	}
	client := resolveClient(ctx, opts.Client, e.cfg.scope)
	if client == nil {
		return
	}

	e.mu.Lock()
	queryChanged := !e.cfg.equal(e.current.Load(), q)
	modeChanged := e.issued && e.subscribed != opts.Subscribe
	clientChanged := e.issued && !sameClient(e.client, client)
	if e.issued && !queryChanged && !modeChanged && !clientChanged {
		e.mu.Unlock()
		return
	}

	reset := queryChanged && opts.resetOnChange()
	if queryChanged {
		e.current.Store(q.Clone())
	}
	e.client = client
	e.subscribed = opts.Subscribe
	e.issued = true
	query := e.current.Load().Clone()

	prev := e.active
	e.active = nil
	if prev != nil {
		prev.current.Store(false)
	}
	e.setPhase(PhaseIdle)

	// Билет выдается под блокировкой, чтобы ответы предыдущих вызовов
	// не публиковались после состояния загрузки нового.
	var (
		h    *handle
		call CallOptions
	)
	if opts.Subscribe {
		h = &handle{}
		h.current.Store(true)
		// Незавершенная разовая выборка не должна публиковаться поверх подписки.
		e.mutex.Acquire(MethodQuery.String())
		call = e.mutex.call(MethodSubscribe, nil)
		call.Progress = e.progress(h.current.Load)
	} else {
		call = e.mutex.call(MethodQuery, nil)
		call.Progress = e.progress(call.Ticket().Valid)
	}

	e.state.Apply(func(s *State[*ResultSet]) {
		loading(s, reset)
	})
	e.mu.Unlock()

	if prev != nil {
		if err := prev.sub.Unsubscribe(ctx); err != nil {
			e.fail(fmt.Errorf("не удалось освободить подписку: %w", err))
			return
		}
	}

	if opts.Subscribe {
		e.subscribe(ctx, client, query, h, call)
		return
	}

	e.setPhase(PhaseFetching)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fetch(ctx, client, query, call)
	}()
}

// Refetch выполняет разовую выборку последнего переданного запроса, минуя
// сравнение с предыдущим. Живая подписка при этом не освобождается.
// Блокируется до публикации результата.
func (e *QueryEngine) Refetch(ctx context.Context) {
	e.mu.Lock()
	q := e.latest.Clone()
	opts := e.latestOpts
	e.mu.Unlock()

	if !e.live.alive() || !e.cfg.present(q) {
		return
	}
	client := resolveClient(ctx, opts.Client, e.cfg.scope)
	if client == nil {
		return
	}

	e.mu.Lock()
	if !e.live.alive() {
		e.mu.Unlock()
		return
	}
	if e.active == nil {
		e.setPhase(PhaseFetching)
	}
	e.state.Apply(func(s *State[*ResultSet]) {
		loading(s, opts.ResetResultSetOnChange != nil && *opts.ResetResultSetOnChange)
	})
	call := e.mutex.call(MethodQuery, nil)
	call.Progress = e.progress(call.Ticket().Valid)
	e.mu.Unlock()
	e.state.Flush()

	e.fetch(ctx, client, q, call)
}

// Wait блокируется до завершения всех запущенных разовых выборок.
func (e *QueryEngine) Wait() {
	e.wg.Wait()
}

// Close отключает потребителя и освобождает подписку, даже если запрос еще
// выполняется. Поздние ответы после Close не публикуются.
func (e *QueryEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	first := e.live.kill()
	e.mu.Unlock()
	if !first {
		return nil
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	e.mu.Lock()
	h := e.active
	e.active = nil
	e.setPhase(PhaseIdle)
	e.mu.Unlock()

	if h == nil {
		return nil
	}
	h.current.Store(false)
	if err := h.sub.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("не удалось освободить подписку: %w", err)
	}
	return nil
}

// subscribe открывает живую подписку. Вызывается под evalMu.
func (e *QueryEngine) subscribe(ctx context.Context, client Client, q *Query, h *handle, call CallOptions) {
	callback := func(result *ResultSet, err error) {
		if errors.Is(err, ErrSuperseded) {
			return
		}
		e.publish(h.current.Load, func(s *State[*ResultSet]) {
			settle(s, result, err)
		})
		if err != nil {
			e.logError(err)
		}
	}

	sub, err := client.Subscribe(ctx, q, call, callback)
	if err != nil {
		h.current.Store(false)
		e.fail(err)
		return
	}
	h.sub = sub

	e.mu.Lock()
	e.active = h
	e.setPhase(PhaseSubscribed)
	e.mu.Unlock()
}

// fetch выполняет разовую выборку и публикует ее итог.
func (e *QueryEngine) fetch(ctx context.Context, client Client, q *Query, call CallOptions) {
	result, err := client.Load(ctx, q, call)
	if errors.Is(err, ErrSuperseded) {
		return
	}
	e.publish(call.Ticket().Valid, func(s *State[*ResultSet]) {
		settle(s, result, err)
		if e.active == nil {
			e.setPhase(PhaseSettled)
		}
	})
	if err != nil {
		e.logError(err)
	}
}

// progress возвращает обработчик промежуточных статусов.
func (e *QueryEngine) progress(current func() bool) ProgressFunc {
	return func(p Progress) {
		e.publish(current, func(s *State[*ResultSet]) {
			s.Progress = &p
		})
	}
}

// fail фиксирует ошибку инициации запроса. Вызывается под evalMu,
// наблюдатели уведомляются при выходе из Evaluate.
func (e *QueryEngine) fail(err error) {
	e.apply(nil, func(s *State[*ResultSet]) {
		settle(s, nil, err)
		e.setPhase(PhaseSettled)
	})
	e.logError(err)
}

// publish применяет изменение состояния и уведомляет наблюдателей после
// снятия блокировки движка, поэтому наблюдатель может вызывать Refetch
// или Evaluate.
func (e *QueryEngine) publish(current func() bool, fn func(s *State[*ResultSet])) {
	e.apply(current, fn)
	e.state.Flush()
}

// apply изменяет состояние, если потребитель подключен и источник доставки,
// если он задан, еще актуален. Уведомления остаются в очереди сигнала.
func (e *QueryEngine) apply(current func() bool, fn func(s *State[*ResultSet])) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live.alive() || (current != nil && !current()) {
		return
	}
	e.state.Apply(fn)
}

func (e *QueryEngine) logError(err error) {
	if !e.live.alive() {
		return
	}
	e.cfg.logger.Debug("ошибка выполнения запроса",
		slog.String("method", MethodQuery.String()),
		slog.String("mutex_id", e.mutex.ID()),
		slog.Any("error", err),
	)
}

// loading переводит состояние в загрузку нового запроса.
func loading(s *State[*ResultSet], reset bool) {
	if reset {
		s.Result = nil
	}
	s.Error = nil
	s.IsLoading = true
	s.Progress = nil
}

// settle переводит состояние в завершенное: результат либо ошибка.
func settle(s *State[*ResultSet], result *ResultSet, err error) {
	if err != nil {
		s.Error = err
		s.Result = nil
	} else {
		s.Result = result
		s.Error = nil
	}
	s.IsLoading = false
	s.Progress = nil
}
