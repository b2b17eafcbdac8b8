package message

import (
	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/schema"
)

// ErrDecode marks a message that cannot be turned into a ChangeEvent. Such
// messages are skipped by the pipeline and counted against its error budget.
var ErrDecode = errors.New("decode error")

type OpKind uint8

const (
	OpUnknown OpKind = iota
	OpCreate
	OpUpdate
	OpDelete
	OpRead
)

// ParseOp maps a Debezium operation code. Unrecognized codes are not an
// error; the filter decides what to do with them.
func ParseOp(code string) OpKind {
	switch code {
	case "c":
		return OpCreate
	case "u":
		return OpUpdate
	case "d":
		return OpDelete
	case "r":
		return OpRead
	default:
		return OpUnknown
	}
}

func (o OpKind) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is the decoded after-image of one row change. After values are
// string, int32, int64, float32 or nil, according to the schema.
type ChangeEvent struct {
	Schema      *schema.RecordSchema
	After       map[string]any
	Op          OpKind
	TimestampMs int64
}

// Record is an admitted after-image projected onto the schema. Values are in
// schema column order.
type Record struct {
	Schema *schema.RecordSchema
	Values []any
}

func NewRecord(s *schema.RecordSchema, values ...any) *Record {
	return &Record{Schema: s, Values: values}
}

func (r *Record) Get(name string) (any, bool) {
	i, ok := r.Schema.Index(name)
	if !ok {
		return nil, false
	}
	return r.Values[i], true
}

func (r *Record) Map() map[string]any {
	m := make(map[string]any, len(r.Values))
	for i, v := range r.Values {
		m[r.Schema.Column(i).Name] = v
	}
	return m
}
