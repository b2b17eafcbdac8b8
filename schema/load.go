package schema

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the document format from a file extension. Anything
// that is not .yaml/.yml is read as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type document struct {
	Columns []columnDocument `json:"columns" yaml:"columns"`
}

type columnDocument struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Load reads a column-list document and builds the RecordSchema from it.
func Load(r io.Reader, format Format) (*RecordSchema, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "read schema document"), ErrSchema)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, schemaErrorf("schema document is empty")
	}

	var doc document
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON, "":
		err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &doc)
	default:
		return nil, schemaErrorf("unsupported schema document format %q", format)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse schema document"), ErrSchema)
	}

	columns := make([]ColumnSpec, 0, len(doc.Columns))
	for _, c := range doc.Columns {
		kind, err := ParseKind(c.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", c.Name)
		}
		columns = append(columns, ColumnSpec{Name: c.Name, Kind: kind})
	}

	return New(columns...)
}

func LoadFile(path string) (*RecordSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open schema %s", path), ErrSchema)
	}
	defer f.Close()

	return Load(f, FormatFromPath(path))
}
