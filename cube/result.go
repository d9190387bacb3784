package cube

// LoadResult — результат выполнения одного запроса.
type LoadResult struct {
	Query           *Query           `json:"query,omitempty"`
	Data            []map[string]any `json:"data"`
	Annotation      Annotation       `json:"annotation"`
	LastRefreshTime string           `json:"lastRefreshTime,omitempty"`
}

// Annotation описывает члены куба, присутствующие в данных.
type Annotation struct {
	Measures       map[string]MemberMeta `json:"measures,omitempty"`
	Dimensions     map[string]MemberMeta `json:"dimensions,omitempty"`
	Segments       map[string]MemberMeta `json:"segments,omitempty"`
	TimeDimensions map[string]MemberMeta `json:"timeDimensions,omitempty"`
}

// ResultSet — набор результатов, возвращаемый операцией Load.
type ResultSet struct {
	QueryType string       `json:"queryType,omitempty"`
	Results   []LoadResult `json:"results"`
}

// Rows возвращает строки первого результата.
func (r *ResultSet) Rows() []map[string]any {
	if r == nil || len(r.Results) == 0 {
		return nil
	}
	return r.Results[0].Data
}

// NewResultSet создает набор из одного результата с указанными строками.
func NewResultSet(q *Query, rows []map[string]any) *ResultSet {
	return &ResultSet{
		QueryType: "regularQuery",
		Results:   []LoadResult{{Query: q, Data: rows}},
	}
}

// MemberMeta описывает меру, измерение или сегмент куба.
type MemberMeta struct {
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	ShortTitle string `json:"shortTitle,omitempty"`
	Type       string `json:"type,omitempty"`
}

// CubeMeta описывает один куб модели данных.
type CubeMeta struct {
	Name       string       `json:"name"`
	Title      string       `json:"title,omitempty"`
	Type       string       `json:"type,omitempty"`
	Measures   []MemberMeta `json:"measures"`
	Dimensions []MemberMeta `json:"dimensions"`
	Segments   []MemberMeta `json:"segments"`
}

// Meta — метаданные модели данных.
type Meta struct {
	Cubes []CubeMeta `json:"cubes"`
}

// Cube возвращает описание куба по имени.
func (m *Meta) Cube(name string) (CubeMeta, bool) {
	if m == nil {
		return CubeMeta{}, false
	}
	for _, c := range m.Cubes {
		if c.Name == name {
			return c, true
		}
	}
	return CubeMeta{}, false
}

// SQLQuery — SQL, сгенерированный для запроса, вместе с параметрами.
type SQLQuery struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// Progress — промежуточный статус длительного запроса.
type Progress struct {
	Stage       string `json:"stage"`
	TimeElapsed int64  `json:"timeElapsed"`
}
