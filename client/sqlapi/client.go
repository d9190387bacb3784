// Package sqlapi реализует клиент аналитического API поверх SQL API,
// доступного по протоколу PostgreSQL.
package sqlapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/x-research-team/dtx-cube/client"
	"github.com/x-research-team/dtx-cube/cube"
)

// Querier абстрагирует выполнение SQL-запросов.
// Ему удовлетворяют *pgxpool.Pool, *pgx.Conn и pgx.Tx.
type Querier interface {
	// Query выполняет SQL-запрос и возвращает результат в виде pgx.Rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// metaQuery выбирает колонки всех кубов схемы.
const metaQuery = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position;
`

var measureTypes = map[string]bool{
	"numeric":          true,
	"double precision": true,
	"real":             true,
}

// Client реализует cube.Client поверх SQL API.
type Client struct {
	db  Querier
	cfg *config
}

// New создает клиент SQL API.
func New(db Querier, opts ...Option) *Client {
	return &Client{db: db, cfg: newConfig(opts)}
}

// Meta восстанавливает метаданные модели данных по information_schema.
// Колонки с дробными числовыми типами считаются мерами, остальные измерениями.
func (c *Client) Meta(ctx context.Context, opts cube.CallOptions) (*cube.Meta, error) {
	ticket := opts.Ticket()
	rows, err := c.db.Query(ctx, metaQuery, c.cfg.schema)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить метаданные: %w", err)
	}
	defer rows.Close()

	meta := &cube.Meta{}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("не удалось сканировать колонку: %w", err)
		}
		if n := len(meta.Cubes); n == 0 || meta.Cubes[n-1].Name != table {
			meta.Cubes = append(meta.Cubes, cube.CubeMeta{Name: table, Type: "cube"})
		}
		cm := &meta.Cubes[len(meta.Cubes)-1]
		member := cube.MemberMeta{Name: table + "." + column, Type: dataType}
		if measureTypes[strings.ToLower(dataType)] {
			cm.Measures = append(cm.Measures, member)
		} else {
			cm.Dimensions = append(cm.Dimensions, member)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при итерации по колонкам: %w", err)
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}
	return meta, nil
}

// SQL возвращает оператор SQL API, построенный для запроса.
func (c *Client) SQL(_ context.Context, q *cube.Query, opts cube.CallOptions) (*cube.SQLQuery, error) {
	ticket := opts.Ticket()
	stmt, err := Build(q)
	if err != nil {
		return nil, err
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}
	return stmt, nil
}

// Load выполняет запрос и возвращает строки с ключами по именам членов куба.
func (c *Client) Load(ctx context.Context, q *cube.Query, opts cube.CallOptions) (*cube.ResultSet, error) {
	ticket := opts.Ticket()
	stmt, err := Build(q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := c.db.Query(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("не удалось выполнить запрос: %w", err)
	}
	data, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if !ticket.Valid() {
		return nil, cube.ErrSuperseded
	}

	c.cfg.logger.Debug("запрос к SQL API выполнен",
		slog.String("sql", stmt.SQL),
		slog.Int("rows", len(data)),
		slog.Duration("duration", time.Since(start)),
	)

	return &cube.ResultSet{
		QueryType: "regularQuery",
		Results: []cube.LoadResult{{
			Query:      q.Clone(),
			Data:       data,
			Annotation: annotate(q),
		}},
	}, nil
}

// Subscribe повторяет запрос с интервалом опроса, пока подписка не будет освобождена.
func (c *Client) Subscribe(ctx context.Context, q *cube.Query, opts cube.CallOptions, callback cube.SubscribeFunc) (cube.Subscription, error) {
	if _, err := Build(q); err != nil {
		return nil, err
	}
	opts = opts.Pin()
	q = q.Clone()
	load := func(ctx context.Context) (*cube.ResultSet, error) {
		return c.Load(ctx, q, opts)
	}
	return client.Poll(ctx, c.cfg.pollInterval, load, callback, c.cfg.logger), nil
}

// collect читает все строки результата в словари по именам колонок.
func collect(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	data := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("не удалось прочитать строку: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			if i < len(values) {
				row[fd.Name] = values[i]
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при итерации по строкам: %w", err)
	}
	return data, nil
}

// annotate описывает члены куба, присутствующие в результате.
func annotate(q *cube.Query) cube.Annotation {
	members := func(names []string) map[string]cube.MemberMeta {
		if len(names) == 0 {
			return nil
		}
		out := make(map[string]cube.MemberMeta, len(names))
		for _, n := range names {
			out[n] = cube.MemberMeta{Name: n}
		}
		return out
	}

	var timeDims []string
	for _, td := range q.TimeDimensions {
		if td.Granularity != "" {
			timeDims = append(timeDims, td.Dimension+"."+td.Granularity)
		}
	}
	return cube.Annotation{
		Measures:       members(q.Measures),
		Dimensions:     members(q.Dimensions),
		Segments:       members(q.Segments),
		TimeDimensions: members(timeDims),
	}
}
