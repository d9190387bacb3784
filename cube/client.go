// Package cube реализует управление жизненным циклом аналитических запросов
// для реактивных потребителей: когда (пере)выполнять запрос, как избегать
// гонок между пересекающимися запросами, как переключаться между разовой
// выборкой и подпиской и как публиковать состояние загрузки так, чтобы оно
// оставалось согласованным при смене входных данных и после отключения
// потребителя.
package cube

import (
	"context"
	"errors"
)

var (
	// ErrSuperseded возвращается клиентом, если вызов был вытеснен более новым
	// вызовом с тем же мьютексом и ключом слота. Движки молча отбрасывают такие
	// результаты.
	ErrSuperseded = errors.New("запрос вытеснен более новым запросом")

	// ErrClosed возвращается при обращении к закрытому ресурсу.
	ErrClosed = errors.New("ресурс закрыт")
)

// ProgressFunc получает промежуточные статусы длительного запроса.
// Может вызываться ноль или более раз.
type ProgressFunc func(p Progress)

// SubscribeFunc получает результаты подписки. Вызывается один или более раз,
// пока подписка не будет освобождена.
type SubscribeFunc func(result *ResultSet, err error)

// CallOptions передаются клиенту при каждом вызове.
type CallOptions struct {
	// Mutex — токен экземпляра движка, один и тот же на все время его жизни.
	Mutex *Mutex
	// MutexKey — логический слот ("meta", "sql", "query", "subscribe").
	MutexKey string
	// Progress — необязательный обработчик промежуточных статусов.
	Progress ProgressFunc

	// ticket выдается движком в момент инициации вызова, чтобы порядок
	// билетов совпадал с порядком вызовов, а не с порядком запуска горутин.
	ticket *Ticket
}

// Ticket возвращает билет мьютекса для слота вызова.
// Клиент получает его один раз перед отправкой запроса и проверяет после
// каждого ответа. Если движок уже выдал билет, возвращается он.
func (o CallOptions) Ticket() Ticket {
	if o.ticket != nil {
		return *o.ticket
	}
	return o.Mutex.Acquire(o.MutexKey)
}

// Pin закрепляет за опциями билет, чтобы все вызовы клиента с этими
// опциями проверяли один и тот же билет. Так работают подписки опросом.
func (o CallOptions) Pin() CallOptions {
	if o.ticket == nil {
		t := o.Mutex.Acquire(o.MutexKey)
		o.ticket = &t
	}
	return o
}

// Subscription — дескриптор живой подписки.
type Subscription interface {
	// Unsubscribe освобождает подписку. После возврата новые результаты
	// не доставляются.
	Unsubscribe(ctx context.Context) error
}

// Client — внешний клиент аналитического API.
// Все ошибки возвращаются явно; клиент не должен паниковать.
type Client interface {
	// Meta загружает метаданные модели данных.
	Meta(ctx context.Context, opts CallOptions) (*Meta, error)

	// SQL возвращает SQL, сгенерированный для запроса.
	SQL(ctx context.Context, q *Query, opts CallOptions) (*SQLQuery, error)

	// Load выполняет запрос и возвращает набор результатов.
	Load(ctx context.Context, q *Query, opts CallOptions) (*ResultSet, error)

	// Subscribe открывает подписку на результаты запроса.
	Subscribe(ctx context.Context, q *Query, opts CallOptions, callback SubscribeFunc) (Subscription, error)
}

// SubscriptionFunc является адаптером, позволяющим использовать функцию как Subscription.
type SubscriptionFunc func(ctx context.Context) error

// Unsubscribe реализует интерфейс Subscription.
func (f SubscriptionFunc) Unsubscribe(ctx context.Context) error {
	return f(ctx)
}
