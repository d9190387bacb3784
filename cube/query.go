package cube

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Query описывает аналитический запрос: какие меры, измерения и фильтры
// требуется получить. После передачи движку значение считается неизменяемым.
type Query struct {
	Measures       []string        `json:"measures,omitempty"`
	Dimensions     []string        `json:"dimensions,omitempty"`
	Segments       []string        `json:"segments,omitempty"`
	TimeDimensions []TimeDimension `json:"timeDimensions,omitempty"`
	Filters        []Filter        `json:"filters,omitempty"`
	Order          []OrderMember   `json:"order,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	Total          bool            `json:"total,omitempty"`
	Ungrouped      bool            `json:"ungrouped,omitempty"`
	RenewQuery     bool            `json:"renewQuery,omitempty"`
}

// TimeDimension задает временное измерение с гранулярностью и диапазоном дат.
type TimeDimension struct {
	Dimension   string    `json:"dimension"`
	Granularity string    `json:"granularity,omitempty"`
	DateRange   DateRange `json:"dateRange,omitempty"`
}

// DateRange — диапазон дат: либо пара [from, to], либо одно относительное
// выражение вроде "last week".
type DateRange []string

// MarshalJSON сериализует диапазон из одного элемента как строку.
func (d DateRange) MarshalJSON() ([]byte, error) {
	if len(d) == 1 {
		return json.Marshal(d[0])
	}
	return json.Marshal([]string(d))
}

// UnmarshalJSON принимает как строку, так и массив строк.
func (d *DateRange) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = DateRange{s}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("некорректный dateRange: %w", err)
	}
	*d = arr
	return nil
}

// Filter — фильтр по члену куба.
type Filter struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// OrderMember задает направление сортировки по члену куба.
// Сериализуется в форму массива [member, direction], сохраняющую порядок.
type OrderMember struct {
	Member    string
	Direction string
}

// MarshalJSON реализует json.Marshaler.
func (o OrderMember) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{o.Member, o.Direction})
}

// UnmarshalJSON реализует json.Unmarshaler.
func (o *OrderMember) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("некорректный элемент order: %w", err)
	}
	o.Member, o.Direction = pair[0], pair[1]
	return nil
}

// Clone возвращает глубокую копию запроса.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.Measures = slices.Clone(q.Measures)
	c.Dimensions = slices.Clone(q.Dimensions)
	c.Segments = slices.Clone(q.Segments)
	c.Order = slices.Clone(q.Order)
	if q.TimeDimensions != nil {
		c.TimeDimensions = make([]TimeDimension, len(q.TimeDimensions))
		for i, td := range q.TimeDimensions {
			td.DateRange = slices.Clone(td.DateRange)
			c.TimeDimensions[i] = td
		}
	}
	if q.Filters != nil {
		c.Filters = make([]Filter, len(q.Filters))
		for i, f := range q.Filters {
			f.Values = slices.Clone(f.Values)
			c.Filters[i] = f
		}
	}
	return &c
}

// Members возвращает все члены куба, на которые ссылается запрос.
func (q *Query) Members() []string {
	if q == nil {
		return nil
	}
	members := make([]string, 0, len(q.Measures)+len(q.Dimensions)+len(q.TimeDimensions))
	members = append(members, q.Dimensions...)
	for _, td := range q.TimeDimensions {
		members = append(members, td.Dimension)
	}
	members = append(members, q.Measures...)
	return members
}

// IsQueryPresent сообщает, содержит ли запрос хотя бы одну меру, измерение
// или временное измерение.
func IsQueryPresent(q *Query) bool {
	if q == nil {
		return false
	}
	return len(q.Measures) > 0 || len(q.Dimensions) > 0 || len(q.TimeDimensions) > 0
}

// AreQueriesEqual сравнивает запросы по смыслу: пустые и отсутствующие
// списки считаются равными, порядок сортировки учитывается.
func AreQueriesEqual(a, b *Query) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	ka, err := canonical(a)
	if err != nil {
		return false
	}
	kb, err := canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ka, kb)
}

// canonical возвращает нормализованное представление запроса.
func canonical(q *Query) ([]byte, error) {
	return json.Marshal(q)
}
