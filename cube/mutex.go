package cube

import (
	"sync"

	"github.com/google/uuid"
)

// Method — логический слот запроса, используемый как ключ мьютекса.
type Method string

const (
	// MethodMeta — загрузка метаданных.
	MethodMeta Method = "meta"
	// MethodSQL — получение SQL для запроса.
	MethodSQL Method = "sql"
	// MethodQuery — выполнение запроса.
	MethodQuery Method = "query"
	// MethodSubscribe — живая подписка на запрос. Отдельный слот не дает
	// разовым выборкам вытеснять действующую подписку.
	MethodSubscribe Method = "subscribe"
)

// String реализует fmt.Stringer.
func (m Method) String() string {
	return string(m)
}

// Mutex — токен корреляции, создаваемый один раз на экземпляр движка.
// Клиент использует его, чтобы отбрасывать ответы на вызовы, вытесненные
// более новыми вызовами с тем же ключом слота.
// Нулевой указатель допустим: его билеты всегда действительны.
type Mutex struct {
	id    string
	mu    sync.Mutex
	slots map[string]uint64
}

// NewMutex создает новый токен с уникальным идентификатором.
func NewMutex() *Mutex {
	return &Mutex{
		id:    uuid.NewString(),
		slots: make(map[string]uint64),
	}
}

// ID возвращает идентификатор токена.
func (m *Mutex) ID() string {
	if m == nil {
		return ""
	}
	return m.id
}

// Acquire начинает новый вызов в слоте key и делает недействительными все
// ранее выданные билеты этого слота.
func (m *Mutex) Acquire(key string) Ticket {
	if m == nil {
		return Ticket{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key]++
	return Ticket{mutex: m, key: key, gen: m.slots[key]}
}

// call выдает билет и возвращает опции вызова для слота key.
func (m *Mutex) call(key Method, progress ProgressFunc) CallOptions {
	t := m.Acquire(key.String())
	return CallOptions{
		Mutex:    m,
		MutexKey: key.String(),
		Progress: progress,
		ticket:   &t,
	}
}

// Ticket — отметка конкретного вызова в слоте мьютекса.
type Ticket struct {
	mutex *Mutex
	key   string
	gen   uint64
}

// Valid сообщает, остается ли вызов последним в своем слоте.
func (t Ticket) Valid() bool {
	if t.mutex == nil {
		return true
	}
	t.mutex.mu.Lock()
	defer t.mutex.mu.Unlock()
	return t.mutex.slots[t.key] == t.gen
}

// Key возвращает ключ слота.
func (t Ticket) Key() string {
	return t.key
}
