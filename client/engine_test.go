package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-cube/client"
	"github.com/x-research-team/dtx-cube/cube"
)

// Тест движка запросов поверх HTTP-клиента: медленный ответ на устаревший
// запрос не перезаписывает результат нового.
func TestQueryEngine_OverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query cube.Query `json:"query"`
		}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		measure := body.Query.Measures[0]
		if measure == "Orders.slow" {
			time.Sleep(30 * time.Millisecond)
		}
		_, _ = fmt.Fprintf(w, `{"results":[{"data":[{"measure":%q}]}]}`, measure)
	}))
	defer srv.Close()

	c := client.New(client.NewHTTPTransport(srv.URL))
	engine := cube.NewQueryEngine(cube.WithScope(cube.NewScope(c)))
	defer engine.Close(context.Background())

	ctx := context.Background()
	engine.Evaluate(ctx, &cube.Query{Measures: []string{"Orders.slow"}}, cube.QueryOptions{})
	engine.Evaluate(ctx, &cube.Query{Measures: []string{"Orders.fast"}}, cube.QueryOptions{})
	engine.Wait()

	s := engine.State()
	require.NoError(t, s.Error)
	assert.False(t, s.IsLoading)
	assert.Equal(t, "Orders.fast", s.Result.Rows()[0]["measure"])
}

// Тест движка в режиме подписки поверх WebSocket-транспорта.
func TestQueryEngine_SubscribeOverWS(t *testing.T) {
	t.Parallel()

	url, unsubscribed := newWSServer(t)
	ctx := context.Background()

	tr, err := client.DialWS(ctx, url)
	require.NoError(t, err)
	defer tr.Close(ctx)

	engine := cube.UseQuery(ctx, ordersQuery(), cube.QueryOptions{
		Client:    client.New(tr),
		Subscribe: true,
	})

	require.Eventually(t, func() bool {
		s := engine.State()
		return !s.IsLoading && s.Result != nil && s.Result.Rows()[0]["n"] == float64(2)
	}, time.Second, time.Millisecond)
	assert.Equal(t, cube.PhaseSubscribed, engine.Phase())

	require.NoError(t, engine.Close(ctx))
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("закрытие движка должно освобождать подписку")
	}
}

// Refetch не вытесняет живую подписку: опрос продолжает доставлять
// результаты и после разовой выборки.
func TestQueryEngine_RefetchKeepsPolling(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	tr := transportFunc(func(context.Context, string, any) ([]byte, error) {
		loads.Add(1)
		return []byte(loadBody), nil
	})
	c := client.NewAPI(tr, client.WithPollInterval(5*time.Millisecond))

	ctx := context.Background()
	engine := cube.NewQueryEngine()
	defer engine.Close(ctx)

	var published atomic.Int32
	engine.Observe(func(s cube.State[*cube.ResultSet]) {
		if s.Result != nil && !s.IsLoading {
			published.Add(1)
		}
	})

	engine.Evaluate(ctx, ordersQuery(), cube.QueryOptions{Client: c, Subscribe: true})
	require.Eventually(t, func() bool { return published.Load() >= 2 }, time.Second, time.Millisecond)

	engine.Refetch(ctx)
	assert.Equal(t, cube.PhaseSubscribed, engine.Phase())
	after := published.Load()

	require.Eventually(t, func() bool { return published.Load() >= after+3 }, time.Second, time.Millisecond,
		"подписка должна продолжать доставку после Refetch")
	assert.Equal(t, cube.PhaseSubscribed, engine.Phase())
}

// Наблюдатель повторяет неудавшийся запрос через Refetch.
func TestQueryEngine_ObserverRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := transportFunc(func(context.Context, string, any) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("временный сбой")
		}
		return []byte(loadBody), nil
	})

	ctx := context.Background()
	engine := cube.NewQueryEngine(cube.WithScope(cube.NewScope(client.NewAPI(tr))))
	defer engine.Close(ctx)

	var retried atomic.Bool
	engine.Observe(func(s cube.State[*cube.ResultSet]) {
		if s.Error != nil && retried.CompareAndSwap(false, true) {
			engine.Refetch(ctx)
		}
	})

	engine.Evaluate(ctx, ordersQuery(), cube.QueryOptions{})
	require.Eventually(t, func() bool {
		s := engine.State()
		return s.Result != nil && s.Error == nil && !s.IsLoading
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}
