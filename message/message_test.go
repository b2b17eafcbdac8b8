package message

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var customers = schema.MustNew(
	schema.ColumnSpec{Name: "id", Kind: schema.KindInt32},
	schema.ColumnSpec{Name: "name", Kind: schema.KindString},
	schema.ColumnSpec{Name: "visits", Kind: schema.KindInt64},
	schema.ColumnSpec{Name: "score", Kind: schema.KindFloat},
)

func TestDecodeCreate(t *testing.T) {
	raw := `{"schema":{},"payload":{"before":null,"after":{"id":1,"name":"Ann","visits":"9000000000","score":1.5,"extra":true},"op":"c","ts_ms":"100"}}`

	ev, err := Decode([]byte(raw), customers)
	require.NoError(t, err)

	assert.Equal(t, OpCreate, ev.Op)
	assert.Equal(t, int64(100), ev.TimestampMs)
	assert.Equal(t, map[string]any{
		"id":     int32(1),
		"name":   "Ann",
		"visits": int64(9000000000),
		"score":  float32(1.5),
	}, ev.After)
}

func TestDecodeOpCodes(t *testing.T) {
	tests := map[string]OpKind{
		"c": OpCreate,
		"u": OpUpdate,
		"d": OpDelete,
		"r": OpRead,
		"t": OpUnknown,
		"":  OpUnknown,
	}

	for code, want := range tests {
		raw := `{"payload":{"after":{"id":1},"op":"` + code + `","ts_ms":5}}`
		ev, err := Decode([]byte(raw), customers)
		require.NoError(t, err, code)
		assert.Equal(t, want, ev.Op, code)
	}
}

func TestDecodeDeleteWithNullAfter(t *testing.T) {
	ev, err := Decode([]byte(`{"payload":{"before":{"id":1},"after":null,"op":"d","ts_ms":1}}`), customers)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, ev.Op)
	assert.Nil(t, ev.After)
}

func TestDecodeNullAndMissingColumns(t *testing.T) {
	ev, err := Decode([]byte(`{"payload":{"after":{"id":2,"name":null},"op":"u","ts_ms":1}}`), customers)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ev.After["id"])
	assert.Nil(t, ev.After["name"])
	assert.Nil(t, ev.After["visits"])
	assert.Len(t, ev.After, customers.Len())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{{{`},
		{name: "not an object", raw: `[1,2]`},
		{name: "no payload", raw: `{"after":{"id":1},"op":"c","ts_ms":1}`},
		{name: "missing after", raw: `{"payload":{"op":"c","ts_ms":1}}`},
		{name: "missing op", raw: `{"payload":{"after":{"id":1},"ts_ms":1}}`},
		{name: "missing ts_ms", raw: `{"payload":{"after":{"id":1},"op":"c"}}`},
		{name: "bad ts_ms", raw: `{"payload":{"after":{"id":1},"op":"c","ts_ms":"soon"}}`},
		{name: "op not string", raw: `{"payload":{"after":{"id":1},"op":1,"ts_ms":1}}`},
		{name: "after not object", raw: `{"payload":{"after":"x","op":"c","ts_ms":1}}`},
		{name: "null after on create", raw: `{"payload":{"after":null,"op":"c","ts_ms":1}}`},
		{name: "text for int", raw: `{"payload":{"after":{"id":"abc"},"op":"c","ts_ms":1}}`},
		{name: "int32 overflow", raw: `{"payload":{"after":{"id":3000000000},"op":"c","ts_ms":1}}`},
		{name: "fraction for int", raw: `{"payload":{"after":{"id":1.5},"op":"c","ts_ms":1}}`},
		{name: "object for string", raw: `{"payload":{"after":{"id":1,"name":{"first":"A"}},"op":"c","ts_ms":1}}`},
		{name: "bool for float", raw: `{"payload":{"after":{"id":1,"score":true},"op":"c","ts_ms":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), customers)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "expected decode error, got %v", err)
		})
	}
}

func TestAdmitProjectsInSchemaOrder(t *testing.T) {
	ev := &ChangeEvent{
		Schema:      customers,
		After:       map[string]any{"score": float32(2), "name": "Bo", "id": int32(7), "visits": int64(3)},
		Op:          OpUpdate,
		TimestampMs: 99,
	}

	rec, ok := Admit(ev)
	require.True(t, ok)
	assert.Equal(t, []any{int32(7), "Bo", int64(3), float32(2)}, rec.Values)
	assert.Equal(t, customers.Names(), keys(rec))

	_, hasOp := rec.Get("op")
	_, hasTs := rec.Get("ts_ms")
	assert.False(t, hasOp)
	assert.False(t, hasTs)
}

func TestAdmitDrops(t *testing.T) {
	for _, op := range []OpKind{OpDelete, OpRead, OpUnknown} {
		rec, ok := Admit(&ChangeEvent{Schema: customers, Op: op, After: map[string]any{"id": int32(1)}})
		assert.False(t, ok, op.String())
		assert.Nil(t, rec)
	}
}

func TestScenarioAnn(t *testing.T) {
	s := schema.MustNew(
		schema.ColumnSpec{Name: "id", Kind: schema.KindInt32},
		schema.ColumnSpec{Name: "name", Kind: schema.KindString},
	)

	ev, err := Decode([]byte(`{"payload":{"after":{"id":1,"name":"Ann"},"op":"c","ts_ms":"100"}}`), s)
	require.NoError(t, err)

	rec, ok := Admit(ev)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": int32(1), "name": "Ann"}, rec.Map())
}

func keys(r *Record) []string {
	names := make([]string, len(r.Values))
	for i := range r.Values {
		names[i] = r.Schema.Column(i).Name
	}
	return names
}
