package sink

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/checkpoint"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/message/format"
	"github.com/snapflowio/cdcsink/schema"
	"github.com/snapflowio/cdcsink/storage"
)

const (
	CSVSinkID     = "csv"
	ParquetSinkID = "parquet"
)

// Writer fans the same record stream out to independently checkpointed
// sinks. Calls for different sinks may run concurrently; calls for one sink
// must not.
type Writer struct {
	sinks map[string]*UnitSink
	order []string
}

func NewWriter(sinks ...*UnitSink) (*Writer, error) {
	w := &Writer{sinks: make(map[string]*UnitSink, len(sinks))}
	for _, s := range sinks {
		if _, ok := w.sinks[s.ID()]; ok {
			return nil, errors.Newf("duplicate sink id %q", s.ID())
		}
		w.sinks[s.ID()] = s
		w.order = append(w.order, s.ID())
	}
	if len(w.order) == 0 {
		return nil, errors.New("writer needs at least one sink")
	}
	return w, nil
}

type DualOptions struct {
	CSV                format.CSVOptions
	ParquetCompression string
	Retry              RetryPolicy
}

// NewDualWriter builds the csv and parquet sinks over one output store and
// one checkpoint store.
func NewDualWriter(s *schema.RecordSchema, output storage.ObjectStore, checkpoints checkpoint.Store, opts DualOptions) (*Writer, error) {
	compression, err := format.ParseCompression(opts.ParquetCompression)
	if err != nil {
		return nil, err
	}

	parquetCodec, err := format.NewParquet(s, compression)
	if err != nil {
		return nil, err
	}

	return NewWriter(
		NewUnitSink(CSVSinkID, format.NewCSV(opts.CSV), output, checkpoints, opts.Retry),
		NewUnitSink(ParquetSinkID, parquetCodec, output, checkpoints, opts.Retry),
	)
}

// SinkIDs returns the sink ids in registration order.
func (w *Writer) SinkIDs() []string {
	return append([]string(nil), w.order...)
}

func (w *Writer) Sink(id string) (*UnitSink, bool) {
	s, ok := w.sinks[id]
	return s, ok
}

func (w *Writer) sink(id string) (*UnitSink, error) {
	s, ok := w.sinks[id]
	if !ok {
		return nil, errors.Newf("unknown sink %q", id)
	}
	return s, nil
}

func (w *Writer) Recover(ctx context.Context, sinkID string) (*checkpoint.State, error) {
	s, err := w.sink(sinkID)
	if err != nil {
		return nil, err
	}
	return s.Recover(ctx)
}

func (w *Writer) Write(ctx context.Context, sinkID string, batch []*message.Record, through offset.Offsets) (Token, error) {
	s, err := w.sink(sinkID)
	if err != nil {
		return Token{}, err
	}
	return s.Write(ctx, batch, through)
}

func (w *Writer) Commit(ctx context.Context, sinkID string, through offset.Offsets) (Token, error) {
	s, err := w.sink(sinkID)
	if err != nil {
		return Token{}, err
	}
	return s.Commit(ctx, through)
}
