package message

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/snapflowio/cdcsink/schema"
)

var envelopeAPI = jsoniter.Config{
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// Decode parses one Debezium envelope of the form
// {"payload":{"after":{...},"op":"c","ts_ms":123}} against s.
//
// A null after-image is accepted so that deletes decode; it is rejected for
// creates and updates. Fields of the after-image that s does not declare are
// ignored, and declared fields that are absent decode as nil.
func Decode(raw []byte, s *schema.RecordSchema) (*ChangeEvent, error) {
	var root map[string]any
	if err := envelopeAPI.Unmarshal(raw, &root); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse envelope"), ErrDecode)
	}

	payload, ok := root["payload"].(map[string]any)
	if !ok {
		return nil, decodeErrorf("envelope has no payload object")
	}

	rawOp, ok := payload["op"]
	if !ok {
		return nil, decodeErrorf("payload.op is missing")
	}
	code, ok := rawOp.(string)
	if !ok {
		return nil, decodeErrorf("payload.op is %T, not a string", rawOp)
	}

	rawTs, ok := payload["ts_ms"]
	if !ok {
		return nil, decodeErrorf("payload.ts_ms is missing")
	}
	ts, err := parseTimestamp(rawTs)
	if err != nil {
		return nil, err
	}

	rawAfter, ok := payload["after"]
	if !ok {
		return nil, decodeErrorf("payload.after is missing")
	}

	event := &ChangeEvent{
		Schema:      s,
		Op:          ParseOp(code),
		TimestampMs: ts,
	}

	if rawAfter == nil {
		if event.Op == OpCreate || event.Op == OpUpdate {
			return nil, decodeErrorf("payload.after is null for %s", event.Op)
		}
		return event, nil
	}

	after, ok := rawAfter.(map[string]any)
	if !ok {
		return nil, decodeErrorf("payload.after is %T, not an object", rawAfter)
	}

	event.After = make(map[string]any, s.Len())
	for i := 0; i < s.Len(); i++ {
		col := s.Column(i)
		v, err := convert(after[col.Name], col.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", col.Name)
		}
		event.After[col.Name] = v
	}

	return event, nil
}

func parseTimestamp(v any) (int64, error) {
	text, ok := scalarText(v)
	if !ok {
		return 0, decodeErrorf("payload.ts_ms is %T, not a number", v)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, decodeErrorf("payload.ts_ms %q is not an integer", text)
	}
	return ts, nil
}

func convert(v any, kind schema.ColumnKind) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case schema.KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), nil
		}
		if text, ok := numberText(v); ok {
			return text, nil
		}
		return nil, decodeErrorf("%T value for STRING column", v)

	case schema.KindInt32, schema.KindInt64:
		text, ok := scalarText(v)
		if !ok {
			return nil, decodeErrorf("%T value for %s column", v, kind)
		}
		bits := 64
		if kind == schema.KindInt32 {
			bits = 32
		}
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, bits)
		if err != nil {
			return nil, decodeErrorf("%q is not a valid %s", text, kind)
		}
		if kind == schema.KindInt32 {
			return int32(n), nil
		}
		return n, nil

	case schema.KindFloat:
		text, ok := scalarText(v)
		if !ok {
			return nil, decodeErrorf("%T value for FLOAT column", v)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 32)
		if err != nil || math.IsInf(f, 0) {
			return nil, decodeErrorf("%q is not a valid FLOAT", text)
		}
		return float32(f), nil

	default:
		return nil, decodeErrorf("unsupported column kind %s", kind)
	}
}

// scalarText returns the textual form of a JSON number or string.
func scalarText(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	return numberText(v)
}

func numberText(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), true
	case jsoniter.Number:
		return n.String(), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	default:
		return "", false
	}
}

func decodeErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrDecode)
}
