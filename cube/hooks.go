package cube

import "context"

// UseMeta создает движок загрузки метаданных и сразу выполняет первую оценку.
func UseMeta(ctx context.Context, opts FetchOptions, options ...Option) *Fetch[*Meta] {
	f := NewMetaFetch(options...)
	opts.Query = nil
	f.Evaluate(ctx, opts)
	return f
}

// UseSQL создает движок получения SQL для запроса и сразу выполняет первую оценку.
func UseSQL(ctx context.Context, q *Query, opts FetchOptions, options ...Option) *Fetch[*SQLQuery] {
	f := NewSQLFetch(options...)
	opts.Query = q
	f.Evaluate(ctx, opts)
	return f
}

// UseQuery создает движок непрерывных запросов и сразу выполняет первую оценку.
func UseQuery(ctx context.Context, q *Query, opts QueryOptions, options ...Option) *QueryEngine {
	e := NewQueryEngine(options...)
	e.Evaluate(ctx, q, opts)
	return e
}
