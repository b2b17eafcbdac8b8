package format

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/schema"
)

// Codec turns a batch of records into the bytes of one output unit and back.
type Codec interface {
	// Extension is the file extension of units written with this codec,
	// without a leading dot.
	Extension() string
	ContentType() string
	Encode(records []*message.Record) ([]byte, error)
	Decode(data []byte, s *schema.RecordSchema) ([]*message.Record, error)
}

// formatText renders a record value as delimited text. null reports a nil
// value, which is written as an empty unquoted field.
func formatText(v any) (text string, null bool, err error) {
	switch t := v.(type) {
	case nil:
		return "", true, nil
	case string:
		return t, false, nil
	case int32:
		return strconv.FormatInt(int64(t), 10), false, nil
	case int64:
		return strconv.FormatInt(t, 10), false, nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), false, nil
	default:
		return "", false, errors.Newf("unsupported value type %T", v)
	}
}

// parseText is the inverse of formatText for a column of the given kind. An
// empty unquoted field is nil for every kind; a quoted one is "" for strings.
func parseText(f field, kind schema.ColumnKind) (any, error) {
	if f.text == "" && !f.quoted {
		return nil, nil
	}

	switch kind {
	case schema.KindString:
		return f.text, nil
	case schema.KindInt32:
		n, err := strconv.ParseInt(f.text, 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case schema.KindInt64:
		return strconv.ParseInt(f.text, 10, 64)
	case schema.KindFloat:
		x, err := strconv.ParseFloat(f.text, 32)
		if err != nil {
			return nil, err
		}
		return float32(x), nil
	default:
		return nil, errors.Newf("unsupported column kind %s", kind)
	}
}
