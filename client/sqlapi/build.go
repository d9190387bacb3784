package sqlapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/x-research-team/dtx-cube/cube"
)

var (
	// ErrEmptyQuery возвращается для запроса без мер и измерений.
	ErrEmptyQuery = errors.New("запрос не содержит мер и измерений")
	// ErrMultipleCubes возвращается, если члены запроса относятся к разным кубам.
	ErrMultipleCubes = errors.New("запрос к SQL API должен обращаться к одному кубу")
)

var granularities = map[string]bool{
	"second": true, "minute": true, "hour": true, "day": true,
	"week": true, "month": true, "quarter": true, "year": true,
}

// builder накапливает части оператора SELECT.
type builder struct {
	q       *cube.Query
	cube    string
	columns []string
	groupBy []string
	where   []string
	having  []string
	params  []any
}

// Build переводит запрос к одному кубу в оператор SQL API.
// Меры выбираются через MEASURE(), временные измерения с гранулярностью
// через DATE_TRUNC, значения фильтров передаются параметрами.
// Колонки результата называются именами членов куба.
func Build(q *cube.Query) (*cube.SQLQuery, error) {
	if !cube.IsQueryPresent(q) {
		return nil, ErrEmptyQuery
	}
	b := &builder{q: q}
	if err := b.resolveCube(); err != nil {
		return nil, err
	}

	for _, d := range q.Dimensions {
		b.column(b.ident(d), d, true)
	}
	for _, td := range q.TimeDimensions {
		if err := b.timeDimension(td); err != nil {
			return nil, err
		}
	}
	for _, m := range q.Measures {
		b.column("MEASURE("+b.ident(m)+")", m, false)
	}
	for _, s := range q.Segments {
		b.where = append(b.where, b.ident(s)+" IS TRUE")
	}
	for _, f := range q.Filters {
		if err := b.filter(f); err != nil {
			return nil, err
		}
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(strings.Join(b.columns, ", "))
	sql.WriteString(" FROM ")
	sql.WriteString(pgx.Identifier{b.cube}.Sanitize())
	if len(b.where) > 0 {
		sql.WriteString(" WHERE ")
		sql.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 && !q.Ungrouped {
		sql.WriteString(" GROUP BY ")
		sql.WriteString(strings.Join(b.groupBy, ", "))
	}
	if len(b.having) > 0 {
		sql.WriteString(" HAVING ")
		sql.WriteString(strings.Join(b.having, " AND "))
	}
	if err := b.order(&sql); err != nil {
		return nil, err
	}
	if q.Limit > 0 {
		sql.WriteString(" LIMIT ")
		sql.WriteString(strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		sql.WriteString(" OFFSET ")
		sql.WriteString(strconv.Itoa(q.Offset))
	}

	return &cube.SQLQuery{SQL: sql.String(), Params: b.params}, nil
}

// resolveCube проверяет, что все члены запроса относятся к одному кубу.
func (b *builder) resolveCube() error {
	members := b.q.Members()
	members = append(members, b.q.Segments...)
	for _, f := range b.q.Filters {
		members = append(members, f.Member)
	}
	for _, o := range b.q.Order {
		members = append(members, o.Member)
	}

	for _, m := range members {
		name, _, ok := strings.Cut(m, ".")
		if !ok || name == "" {
			return fmt.Errorf("некорректное имя члена куба %q", m)
		}
		if b.cube == "" {
			b.cube = name
			continue
		}
		if name != b.cube {
			return fmt.Errorf("%w: %s и %s", ErrMultipleCubes, b.cube, name)
		}
	}
	return nil
}

// ident возвращает экранированное имя колонки члена куба.
func (b *builder) ident(member string) string {
	_, column, _ := strings.Cut(member, ".")
	return pgx.Identifier{column}.Sanitize()
}

func (b *builder) column(expr, alias string, group bool) {
	b.columns = append(b.columns, expr+" AS "+pgx.Identifier{alias}.Sanitize())
	if group {
		b.groupBy = append(b.groupBy, strconv.Itoa(len(b.columns)))
	}
}

func (b *builder) param(v any) string {
	b.params = append(b.params, v)
	return "$" + strconv.Itoa(len(b.params))
}

func (b *builder) timeDimension(td cube.TimeDimension) error {
	col := b.ident(td.Dimension)
	if td.Granularity != "" {
		if !granularities[td.Granularity] {
			return fmt.Errorf("неизвестная гранулярность %q", td.Granularity)
		}
		b.column("DATE_TRUNC('"+td.Granularity+"', "+col+")", td.Dimension+"."+td.Granularity, true)
	}

	switch len(td.DateRange) {
	case 0:
	case 2:
		b.where = append(b.where, col+" >= "+b.param(td.DateRange[0])+" AND "+col+" <= "+b.param(td.DateRange[1]))
	default:
		return fmt.Errorf("диапазон дат %q не поддерживается: ожидаются две даты", []string(td.DateRange))
	}
	return nil
}

func (b *builder) isMeasure(member string) bool {
	for _, m := range b.q.Measures {
		if m == member {
			return true
		}
	}
	return false
}

func (b *builder) filter(f cube.Filter) error {
	target := &b.where
	col := b.ident(f.Member)
	if b.isMeasure(f.Member) {
		target = &b.having
		col = "MEASURE(" + col + ")"
	}

	single := func(op string) error {
		if len(f.Values) != 1 {
			return fmt.Errorf("оператор %s для %s требует одно значение", f.Operator, f.Member)
		}
		*target = append(*target, col+" "+op+" "+b.param(f.Values[0]))
		return nil
	}
	list := func(op string) error {
		if len(f.Values) == 0 {
			return fmt.Errorf("оператор %s для %s требует значения", f.Operator, f.Member)
		}
		ps := make([]string, len(f.Values))
		for i, v := range f.Values {
			ps[i] = b.param(v)
		}
		*target = append(*target, col+" "+op+" ("+strings.Join(ps, ", ")+")")
		return nil
	}
	like := func(op, join, prefix, suffix string) error {
		if len(f.Values) == 0 {
			return fmt.Errorf("оператор %s для %s требует значения", f.Operator, f.Member)
		}
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			parts[i] = col + " " + op + " " + b.param(prefix+v+suffix)
		}
		*target = append(*target, "("+strings.Join(parts, join)+")")
		return nil
	}

	switch f.Operator {
	case "equals":
		return list("IN")
	case "notEquals":
		return list("NOT IN")
	case "contains":
		return like("ILIKE", " OR ", "%", "%")
	case "notContains":
		return like("NOT ILIKE", " AND ", "%", "%")
	case "startsWith":
		return like("LIKE", " OR ", "", "%")
	case "endsWith":
		return like("LIKE", " OR ", "%", "")
	case "gt":
		return single(">")
	case "gte":
		return single(">=")
	case "lt":
		return single("<")
	case "lte":
		return single("<=")
	case "beforeDate":
		return single("<")
	case "afterDate":
		return single(">")
	case "set":
		*target = append(*target, col+" IS NOT NULL")
		return nil
	case "notSet":
		*target = append(*target, col+" IS NULL")
		return nil
	case "inDateRange", "notInDateRange":
		if len(f.Values) != 2 {
			return fmt.Errorf("оператор %s для %s требует две даты", f.Operator, f.Member)
		}
		op := "BETWEEN"
		if f.Operator == "notInDateRange" {
			op = "NOT BETWEEN"
		}
		*target = append(*target, col+" "+op+" "+b.param(f.Values[0])+" AND "+b.param(f.Values[1]))
		return nil
	default:
		return fmt.Errorf("неизвестный оператор фильтра %q", f.Operator)
	}
}

// alias возвращает имя колонки результата для члена куба.
func (b *builder) alias(member string) string {
	for _, td := range b.q.TimeDimensions {
		if td.Dimension == member && td.Granularity != "" {
			return td.Dimension + "." + td.Granularity
		}
	}
	return member
}

func (b *builder) order(sql *strings.Builder) error {
	if len(b.q.Order) == 0 {
		return nil
	}
	parts := make([]string, len(b.q.Order))
	for i, o := range b.q.Order {
		dir := strings.ToUpper(o.Direction)
		if dir == "" {
			dir = "ASC"
		}
		if dir != "ASC" && dir != "DESC" {
			return fmt.Errorf("неизвестное направление сортировки %q", o.Direction)
		}
		parts[i] = pgx.Identifier{b.alias(o.Member)}.Sanitize() + " " + dir
	}
	sql.WriteString(" ORDER BY ")
	sql.WriteString(strings.Join(parts, ", "))
	return nil
}
