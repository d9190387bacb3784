package cube

import "sync/atomic"

// State — наблюдаемое состояние запроса.
//
// Инварианты: IsLoading означает Error == nil; Result и Error никогда не
// заданы одновременно; завершенный запрос всегда имеет IsLoading == false.
type State[R any] struct {
	IsLoading bool
	Result    R
	Error     error
	Progress  *Progress
}

// Phase — фаза конечного автомата движка непрерывных запросов.
type Phase int

const (
	// PhaseIdle — нет ни запроса, ни подписки.
	PhaseIdle Phase = iota
	// PhaseFetching — выполняется разовый запрос.
	PhaseFetching
	// PhaseSubscribed — открыта живая подписка.
	PhaseSubscribed
	// PhaseSettled — разовый запрос завершился результатом или ошибкой.
	PhaseSettled
)

// String реализует fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseSubscribed:
		return "subscribed"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// liveness отслеживает, подключен ли еще потребитель.
// Истинно с момента создания до закрытия.
type liveness struct {
	closed atomic.Bool
}

func (l *liveness) alive() bool {
	return !l.closed.Load()
}

// kill возвращает true только при первом вызове.
func (l *liveness) kill() bool {
	return l.closed.CompareAndSwap(false, true)
}
