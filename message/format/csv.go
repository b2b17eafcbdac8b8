package format

import (
	"bytes"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/schema"
)

type CSVOptions struct {
	// Header writes the column names as the first line of every unit.
	Header bool
	Gzip   bool
}

// CSV writes RFC 4180 rows. A null is an empty unquoted field and an empty
// string is "", so both survive a round trip. A row of a single null column
// is an empty line.
type CSV struct {
	opts CSVOptions
}

var _ Codec = (*CSV)(nil)

func NewCSV(opts CSVOptions) *CSV {
	return &CSV{opts: opts}
}

func (c *CSV) Extension() string {
	if c.opts.Gzip {
		return "csv.gz"
	}
	return "csv"
}

func (c *CSV) ContentType() string {
	if c.opts.Gzip {
		return "application/gzip"
	}
	return "text/csv"
}

func (c *CSV) Encode(records []*message.Record) ([]byte, error) {
	var buf bytes.Buffer

	if c.opts.Header && len(records) > 0 {
		for i, name := range records[0].Schema.Names() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeField(&buf, name, false)
		}
		buf.WriteByte('\n')
	}

	for _, rec := range records {
		for i, v := range rec.Values {
			text, null, err := formatText(v)
			if err != nil {
				return nil, errors.Wrapf(err, "column %q", rec.Schema.Column(i).Name)
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			writeField(&buf, text, null)
		}
		buf.WriteByte('\n')
	}

	if !c.opts.Gzip {
		return buf.Bytes(), nil
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "gzip csv")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close gzip")
	}
	return out.Bytes(), nil
}

func writeField(buf *bytes.Buffer, text string, null bool) {
	if null {
		return
	}
	if text != "" && !strings.ContainsAny(text, ",\"\r\n") {
		buf.WriteString(text)
		return
	}

	buf.WriteByte('"')
	buf.WriteString(strings.ReplaceAll(text, `"`, `""`))
	buf.WriteByte('"')
}

func (c *CSV) Decode(data []byte, s *schema.RecordSchema) ([]*message.Record, error) {
	if c.opts.Gzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer zr.Close()

		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "read gzip")
		}
	}

	rows, err := splitRows(data)
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}

	if c.opts.Header && len(rows) > 0 {
		rows = rows[1:]
	}

	records := make([]*message.Record, 0, len(rows))
	for n, row := range rows {
		if len(row) != s.Len() {
			return nil, errors.Newf("row %d has %d fields, want %d", n, len(row), s.Len())
		}

		values := make([]any, len(row))
		for i, f := range row {
			col := s.Column(i)
			v, err := parseText(f, col.Kind)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d column %q", n, col.Name)
			}
			values[i] = v
		}
		records = append(records, message.NewRecord(s, values...))
	}

	return records, nil
}

type field struct {
	text   string
	quoted bool
}

// splitRows parses RFC 4180 text and keeps whether each field was quoted.
// Empty lines are rows with one empty field.
func splitRows(data []byte) ([][]field, error) {
	var (
		rows [][]field
		row  []field
	)

	for i := 0; i < len(data); {
		var f field
		if data[i] == '"' {
			f.quoted = true
			i++

			var sb strings.Builder
			for {
				if i >= len(data) {
					return nil, errors.Newf("row %d: unterminated quoted field", len(rows))
				}
				if data[i] == '"' {
					if i+1 < len(data) && data[i+1] == '"' {
						sb.WriteByte('"')
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteByte(data[i])
				i++
			}
			f.text = sb.String()

			if i < len(data) && !isDelimiter(data[i]) {
				return nil, errors.Newf("row %d: unexpected %q after quoted field", len(rows), data[i])
			}
		} else {
			start := i
			for i < len(data) && !isDelimiter(data[i]) {
				if data[i] == '"' {
					return nil, errors.Newf("row %d: bare quote in unquoted field", len(rows))
				}
				i++
			}
			f.text = string(data[start:i])
		}
		row = append(row, f)

		if i >= len(data) {
			break
		}
		switch data[i] {
		case ',':
			i++
			if i == len(data) {
				row = append(row, field{})
			}
			continue
		case '\r':
			i++
			if i < len(data) && data[i] == '\n' {
				i++
			}
		case '\n':
			i++
		}
		rows = append(rows, row)
		row = nil
	}

	if row != nil {
		rows = append(rows, row)
	}
	return rows, nil
}

func isDelimiter(b byte) bool {
	return b == ',' || b == '\n' || b == '\r'
}
