package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/x-research-team/dtx-cube/cube"
)

// LoadFunc выполняет один опрос подписки.
type LoadFunc func(ctx context.Context) (*cube.ResultSet, error)

// Poller — подписка, которая периодически повторяет запрос и доставляет
// каждый результат обработчику. Первый опрос выполняется сразу.
type Poller struct {
	interval time.Duration
	load     LoadFunc
	callback cube.SubscribeFunc
	logger   *slog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

// Poll запускает опрос и возвращает его дескриптор. Время жизни опроса
// определяется вызовом Unsubscribe, а не отменой ctx; значения контекста
// при этом сохраняются.
func Poll(ctx context.Context, interval time.Duration, load LoadFunc, callback cube.SubscribeFunc, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Poller{
		interval: interval,
		load:     load,
		callback: callback,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("опрос подписки запущен", slog.Duration("interval", p.interval))
	for {
		if !p.poll(ctx) {
			return
		}
		select {
		case <-ticker.C:
		case <-p.done:
			p.logger.Debug("опрос подписки остановлен")
			return
		}
	}
}

// poll выполняет один цикл опроса. Возвращает false, если опрос
// следует прекратить.
func (p *Poller) poll(ctx context.Context) bool {
	rs, err := p.load(ctx)
	if errors.Is(err, cube.ErrSuperseded) {
		p.logger.Debug("опрос подписки вытеснен")
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.callback(rs, err)
	return true
}

// Unsubscribe останавливает опрос. После возврата обработчик больше не
// вызывается. Повторные вызовы безопасны.
func (p *Poller) Unsubscribe(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		p.cancel()
	})

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
