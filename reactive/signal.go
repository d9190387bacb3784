// Package reactive содержит наблюдаемое значение, через которое движки запросов
// публикуют свое состояние реактивному потребителю.
package reactive

import "sync"

// Listener — функция-наблюдатель, получающая каждое новое значение сигнала.
type Listener[T any] func(value T)

type subscription[T any] struct {
	listener Listener[T]
}

// Signal — потокобезопасное наблюдаемое значение.
//
// Изменения значения выстраиваются в очередь, и наблюдатели получают их
// строго в порядке применения. Уведомления выполняются без внутренних
// блокировок, поэтому наблюдатель может вызывать Set или Update того же
// сигнала: такое значение будет доставлено после возврата из текущего
// наблюдателя.
type Signal[T any] struct {
	mu          sync.Mutex
	value       T
	subscribers []*subscription[T]
	pending     []T
	flushing    bool
}

// NewSignal создает сигнал с начальным значением.
func NewSignal[T any](initial T) *Signal[T] {
	return &Signal[T]{value: initial}
}

// Get возвращает текущее значение.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set заменяет значение и уведомляет наблюдателей.
func (s *Signal[T]) Set(value T) {
	s.Update(func(v *T) { *v = value })
}

// Update изменяет значение на месте и уведомляет наблюдателей.
func (s *Signal[T]) Update(fn func(v *T)) {
	s.Apply(fn)
	s.Flush()
}

// Apply изменяет значение и ставит уведомление в очередь, не вызывая
// наблюдателей. Позволяет изменять значение под внешней блокировкой,
// а уведомлять после ее снятия через Flush.
func (s *Signal[T]) Apply(fn func(v *T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.value)
	s.pending = append(s.pending, s.value)
}

// Flush доставляет наблюдателям значения из очереди. Если очередь уже
// разбирается в другом вызове, Flush возвращается сразу: оставшиеся
// значения доставит тот вызов.
func (s *Signal[T]) Flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true

	for len(s.pending) > 0 {
		value := s.pending[0]
		s.pending = s.pending[1:]
		subs := make([]*subscription[T], len(s.subscribers))
		copy(subs, s.subscribers)
		s.mu.Unlock()

		for _, sub := range subs {
			sub.listener(value)
		}

		s.mu.Lock()
	}

	s.flushing = false
	s.pending = nil
	s.mu.Unlock()
}

// Subscribe подписывает наблюдателя на изменения значения.
// Возвращает функцию для отписки; повторный вызов безопасен.
func (s *Signal[T]) Subscribe(listener Listener[T]) (unsubscribe func()) {
	sub := &subscription[T]{listener: listener}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for i, existing := range s.subscribers {
			if existing == sub {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				break
			}
		}
	}
}

// Len возвращает количество активных наблюдателей.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
