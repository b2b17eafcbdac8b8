package schema

import (
	"github.com/cockroachdb/errors"
)

// ErrSchema marks every failure to build a RecordSchema. It is fatal at
// startup.
var ErrSchema = errors.New("schema error")

type ColumnKind uint8

const (
	KindString ColumnKind = iota + 1
	KindInt32
	KindInt64
	KindFloat
)

// ParseKind maps the type names used by schema documents to a ColumnKind.
func ParseKind(typeName string) (ColumnKind, error) {
	switch typeName {
	case "string":
		return KindString, nil
	case "int":
		return KindInt32, nil
	case "long":
		return KindInt64, nil
	case "float":
		return KindFloat, nil
	default:
		return 0, schemaErrorf("unsupported column type %q", typeName)
	}
}

func (k ColumnKind) String() string {
	switch k {
	case KindString:
		return "STRING"
	case KindInt32:
		return "INT32"
	case KindInt64:
		return "INT64"
	case KindFloat:
		return "FLOAT"
	default:
		return "UNKNOWN"
	}
}

// TypeName is the inverse of ParseKind.
func (k ColumnKind) TypeName() string {
	switch k {
	case KindString:
		return "string"
	case KindInt32:
		return "int"
	case KindInt64:
		return "long"
	case KindFloat:
		return "float"
	default:
		return ""
	}
}

type ColumnSpec struct {
	Name string
	Kind ColumnKind
}

// RecordSchema is the ordered, immutable column list of the captured table.
// Column order is the projection order of every output sink.
type RecordSchema struct {
	columns []ColumnSpec
	index   map[string]int
}

func New(columns ...ColumnSpec) (*RecordSchema, error) {
	if len(columns) == 0 {
		return nil, schemaErrorf("schema declares no columns")
	}

	s := &RecordSchema{
		columns: make([]ColumnSpec, len(columns)),
		index:   make(map[string]int, len(columns)),
	}

	for i, col := range columns {
		if col.Name == "" {
			return nil, schemaErrorf("column %d has an empty name", i)
		}
		if col.Kind < KindString || col.Kind > KindFloat {
			return nil, schemaErrorf("column %q has an unsupported kind %d", col.Name, col.Kind)
		}
		if _, dup := s.index[col.Name]; dup {
			return nil, schemaErrorf("duplicate column %q", col.Name)
		}

		s.columns[i] = col
		s.index[col.Name] = i
	}

	return s, nil
}

// MustNew is New for statically known schemas; it panics on error.
func MustNew(columns ...ColumnSpec) *RecordSchema {
	s, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *RecordSchema) Len() int {
	return len(s.columns)
}

func (s *RecordSchema) Column(i int) ColumnSpec {
	return s.columns[i]
}

// Columns returns a copy of the column list.
func (s *RecordSchema) Columns() []ColumnSpec {
	out := make([]ColumnSpec, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s *RecordSchema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *RecordSchema) Names() []string {
	names := make([]string, len(s.columns))
	for i, col := range s.columns {
		names[i] = col.Name
	}
	return names
}

func schemaErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchema)
}
