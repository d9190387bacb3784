package cube_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-cube/cube"
)

func TestMetaFetch_Success(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	f := cube.NewMetaFetch()
	rec := &recorder[*cube.Meta]{}
	f.Observe(rec.listener)

	f.Evaluate(context.Background(), cube.FetchOptions{Client: client})
	f.Wait()

	states := rec.all()
	require.Len(t, states, 2)
	assert.True(t, states[0].IsLoading)
	assert.Nil(t, states[0].Result)

	s := f.State()
	assert.False(t, s.IsLoading)
	require.NotNil(t, s.Result)
	_, ok := s.Result.Cube("Orders")
	assert.True(t, ok)
	assert.Equal(t, cube.MethodMeta, f.Method())
	assertExclusive(t, states)
}

func TestSQLFetch_RequiresQuery(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	f := cube.NewSQLFetch()
	ctx := context.Background()

	f.Evaluate(ctx, cube.FetchOptions{Client: client})
	f.Evaluate(ctx, cube.FetchOptions{Client: client, Query: &cube.Query{}})
	f.Wait()
	assert.Empty(t, client.Calls())

	f.Evaluate(ctx, cube.FetchOptions{Client: client, Query: countQuery("Orders.count")})
	f.Wait()
	assert.Equal(t, []string{"sql"}, client.Calls())
	assert.Equal(t, "SELECT 1", f.State().Result.SQL)
}

func TestFetch_SkipAndRefetch(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	f := cube.NewSQLFetch()
	ctx := context.Background()
	opts := cube.FetchOptions{Client: client, Skip: true, Query: countQuery("a")}

	f.Evaluate(ctx, opts)
	opts.Query = countQuery("b")
	f.Evaluate(ctx, opts)
	f.Wait()
	assert.Empty(t, client.Calls(), "при skip клиент не вызывается")

	f.Refetch(ctx, cube.FetchOptions{})
	assert.Equal(t, []string{"sql"}, client.Calls())
	assert.NotNil(t, f.State().Result)
}

// Опции Refetch накладываются поверх последних опций Evaluate.
func TestFetch_RefetchMergesOptions(t *testing.T) {
	t.Parallel()

	var seen []string
	client := &fakeClient{
		sql: func(_ context.Context, q *cube.Query) (*cube.SQLQuery, error) {
			seen = append(seen, q.Measures[0])
			return &cube.SQLQuery{SQL: q.Measures[0]}, nil
		},
	}
	f := cube.NewSQLFetch()
	ctx := context.Background()

	f.Evaluate(ctx, cube.FetchOptions{Client: client, Query: countQuery("a")})
	f.Wait()
	f.Refetch(ctx, cube.FetchOptions{Query: countQuery("b")})
	f.Refetch(ctx, cube.FetchOptions{})

	assert.Equal(t, []string{"a", "b", "a"}, seen)
	assert.Equal(t, "a", f.State().Result.SQL)
}

func TestFetch_NoClientIsSilent(t *testing.T) {
	t.Parallel()

	f := cube.NewMetaFetch()
	rec := &recorder[*cube.Meta]{}
	f.Observe(rec.listener)

	f.Evaluate(context.Background(), cube.FetchOptions{})
	f.Refetch(context.Background(), cube.FetchOptions{})
	f.Wait()

	assert.Zero(t, rec.len())
}

func TestFetch_Error(t *testing.T) {
	t.Parallel()

	failure := errors.New("нет доступа")
	client := &fakeClient{
		meta: func(context.Context) (*cube.Meta, error) {
			return nil, failure
		},
	}
	f := cube.NewMetaFetch()
	rec := &recorder[*cube.Meta]{}
	f.Observe(rec.listener)

	f.Evaluate(context.Background(), cube.FetchOptions{Client: client})
	f.Wait()

	s := f.State()
	assert.ErrorIs(t, s.Error, failure)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.Result)
	assertExclusive(t, rec.all())

	// Refetch сбрасывает ошибку на время загрузки.
	client.meta = nil
	f.Refetch(context.Background(), cube.FetchOptions{})
	states := rec.all()
	require.Len(t, states, 4)
	assert.True(t, states[2].IsLoading)
	assert.NoError(t, states[2].Error)
	assert.NotNil(t, f.State().Result)
}

// Наблюдатель может повторить неудавшийся запрос через Refetch.
func TestFetch_ObserverMayRefetch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := &fakeClient{
		meta: func(context.Context) (*cube.Meta, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("временный сбой")
			}
			return &cube.Meta{Cubes: []cube.CubeMeta{{Name: "Orders"}}}, nil
		},
	}
	f := cube.NewMetaFetch()
	ctx := context.Background()
	f.Observe(func(s cube.State[*cube.Meta]) {
		if s.Error != nil {
			f.Refetch(ctx, cube.FetchOptions{})
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Evaluate(ctx, cube.FetchOptions{Client: client})
		f.Wait()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Refetch из наблюдателя не должен блокировать движок")
	}

	s := f.State()
	assert.NoError(t, s.Error)
	assert.NotNil(t, s.Result)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_EvaluateReactsToChanges(t *testing.T) {
	t.Parallel()

	first := &fakeClient{}
	second := &fakeClient{}
	f := cube.NewSQLFetch()
	ctx := context.Background()

	f.Evaluate(ctx, cube.FetchOptions{Client: first, Query: countQuery("a")})
	f.Wait()
	f.Evaluate(ctx, cube.FetchOptions{Client: first, Query: countQuery("a")})
	f.Wait()
	assert.Equal(t, 1, first.count("sql"), "без изменений повторный запрос не выполняется")

	f.Evaluate(ctx, cube.FetchOptions{Client: first, Query: countQuery("b")})
	f.Wait()
	assert.Equal(t, 2, first.count("sql"))

	f.Evaluate(ctx, cube.FetchOptions{Client: second, Query: countQuery("b")})
	f.Wait()
	assert.Equal(t, 1, second.count("sql"), "смена клиента перезапускает запрос")
}

func TestFetch_LatestCallWins(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		sql: func(_ context.Context, q *cube.Query) (*cube.SQLQuery, error) {
			if q.Measures[0] == "a" {
				time.Sleep(20 * time.Millisecond)
			} else {
				time.Sleep(5 * time.Millisecond)
			}
			return &cube.SQLQuery{SQL: q.Measures[0]}, nil
		},
	}
	f := cube.NewSQLFetch()
	ctx := context.Background()

	f.Evaluate(ctx, cube.FetchOptions{Client: client, Query: countQuery("a")})
	time.Sleep(time.Millisecond)
	f.Evaluate(ctx, cube.FetchOptions{Client: client, Query: countQuery("b")})
	f.Wait()

	assert.Equal(t, "b", f.State().Result.SQL)
}

func TestFetch_CloseWhileLoading(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &fakeClient{
		meta: func(context.Context) (*cube.Meta, error) {
			<-release
			return &cube.Meta{}, nil
		},
	}
	f := cube.NewMetaFetch()
	rec := &recorder[*cube.Meta]{}
	f.Observe(rec.listener)

	f.Evaluate(context.Background(), cube.FetchOptions{Client: client})
	published := rec.len()
	require.NoError(t, f.Close(context.Background()))
	close(release)
	f.Wait()

	assert.Equal(t, published, rec.len())

	f.Evaluate(context.Background(), cube.FetchOptions{Client: &fakeClient{}})
	f.Refetch(context.Background(), cube.FetchOptions{})
	f.Wait()
	assert.Equal(t, published, rec.len())
}

func TestUseMetaAndUseSQL(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	ctx := cube.ContextWithScope(context.Background(), cube.NewScope(client))

	meta := cube.UseMeta(ctx, cube.FetchOptions{Query: countQuery("ignored")})
	meta.Wait()
	sql := cube.UseSQL(ctx, countQuery("Orders.count"), cube.FetchOptions{})
	sql.Wait()

	assert.ElementsMatch(t, []string{"meta", "sql"}, client.Calls())
	assert.NotNil(t, meta.State().Result)
	assert.NotNil(t, sql.State().Result)
}
