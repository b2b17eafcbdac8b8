package format

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	goparquet "github.com/fraugster/parquet-go"
	"github.com/fraugster/parquet-go/parquet"
	"github.com/fraugster/parquet-go/parquetschema"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/schema"
)

const parquetCreator = "cdcsink"

var parquetIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseCompression maps a config value to a parquet compression codec.
func ParseCompression(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, errors.Newf("unsupported parquet compression %q", name)
	}
}

// Parquet writes one parquet file per unit. Every column is optional so that
// null values survive the round trip.
type Parquet struct {
	schema      *schema.RecordSchema
	definition  *parquetschema.SchemaDefinition
	compression parquet.CompressionCodec
}

var _ Codec = (*Parquet)(nil)

func NewParquet(s *schema.RecordSchema, compression parquet.CompressionCodec) (*Parquet, error) {
	definition, err := parquetschema.ParseSchemaDefinition(schemaDefinition(s))
	if err != nil {
		for _, name := range s.Names() {
			if !parquetIdentifier.MatchString(name) {
				return nil, errors.Wrapf(err, "column %q is not a valid parquet identifier", name)
			}
		}
		return nil, errors.Wrap(err, "parquet schema definition")
	}

	return &Parquet{
		schema:      s,
		definition:  definition,
		compression: compression,
	}, nil
}

func schemaDefinition(s *schema.RecordSchema) string {
	var b strings.Builder
	b.WriteString("message record {\n")
	for _, col := range s.Columns() {
		switch col.Kind {
		case schema.KindString:
			fmt.Fprintf(&b, "  optional binary %s (STRING);\n", col.Name)
		case schema.KindInt32:
			fmt.Fprintf(&b, "  optional int32 %s;\n", col.Name)
		case schema.KindInt64:
			fmt.Fprintf(&b, "  optional int64 %s;\n", col.Name)
		case schema.KindFloat:
			fmt.Fprintf(&b, "  optional float %s;\n", col.Name)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (p *Parquet) Extension() string {
	return "parquet"
}

func (p *Parquet) ContentType() string {
	return "application/vnd.apache.parquet"
}

func (p *Parquet) Encode(records []*message.Record) ([]byte, error) {
	var buf bytes.Buffer

	fw := goparquet.NewFileWriter(&buf,
		goparquet.WithSchemaDefinition(p.definition),
		goparquet.WithCompressionCodec(p.compression),
		goparquet.WithCreator(parquetCreator),
	)

	for _, rec := range records {
		row := make(map[string]any, len(rec.Values))
		for i, v := range rec.Values {
			col := rec.Schema.Column(i)
			switch t := v.(type) {
			case nil:
				continue
			case string:
				row[col.Name] = []byte(t)
			case int32, int64, float32:
				row[col.Name] = t
			default:
				return nil, errors.Newf("column %q: unsupported value type %T", col.Name, v)
			}
		}

		if err := fw.AddData(row); err != nil {
			return nil, errors.Wrap(err, "add parquet row")
		}
	}

	if err := fw.Close(); err != nil {
		return nil, errors.Wrap(err, "close parquet writer")
	}

	return buf.Bytes(), nil
}

func (p *Parquet) Decode(data []byte, s *schema.RecordSchema) ([]*message.Record, error) {
	fr, err := goparquet.NewFileReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open parquet reader")
	}

	records := make([]*message.Record, 0, fr.NumRows())
	for {
		row, err := fr.NextRow()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read parquet row")
		}

		values := make([]any, s.Len())
		for i := range values {
			col := s.Column(i)
			v, ok := row[col.Name]
			if !ok || v == nil {
				continue
			}
			if b, isBytes := v.([]byte); isBytes {
				values[i] = string(b)
				continue
			}
			values[i] = v
		}
		records = append(records, message.NewRecord(s, values...))
	}

	return records, nil
}
