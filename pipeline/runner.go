package pipeline

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/logger"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/metrics"
	"github.com/snapflowio/cdcsink/schema"
	"github.com/snapflowio/cdcsink/sink"
	"github.com/snapflowio/cdcsink/stream"
	"golang.org/x/time/rate"
)

// ErrDecodeBudget is returned when a sink sees more undecodable messages than
// its budget allows.
var ErrDecodeBudget = errors.New("decode error budget exhausted")

// SourceFactory opens a change log reader for one sink, positioned at the
// sink's committed offsets.
type SourceFactory func(ctx context.Context, sinkID string, from offset.Offsets) (stream.Source, error)

type Options struct {
	BatchMaxRecords int
	BatchWindow     time.Duration
	// DecodeErrorRate is the sustained number of decode errors per second a
	// sink tolerates, DecodeErrorBurst the number it tolerates at once.
	DecodeErrorRate  float64
	DecodeErrorBurst int
}

// DecodeBurst is the burst that goes with a decode error rate when none is
// configured: one second worth of errors, at least one.
func DecodeBurst(rate float64) int {
	return max(1, int(math.Ceil(rate)))
}

type Runner struct {
	schema  *schema.RecordSchema
	writer  *sink.Writer
	sources SourceFactory
	metrics *metrics.Metrics
	states  map[string]State
	opts    Options
	mu      sync.Mutex
}

func NewRunner(s *schema.RecordSchema, writer *sink.Writer, sources SourceFactory, m *metrics.Metrics, opts Options) (*Runner, error) {
	if opts.BatchMaxRecords <= 0 {
		return nil, errors.New("batch max records must be greater than 0")
	}
	if opts.BatchWindow <= 0 {
		return nil, errors.New("batch window must be greater than 0")
	}
	if opts.DecodeErrorRate < 0 || opts.DecodeErrorBurst < 0 {
		return nil, errors.New("decode error budget cannot be negative")
	}
	if opts.DecodeErrorRate > 0 && opts.DecodeErrorBurst == 0 {
		opts.DecodeErrorBurst = DecodeBurst(opts.DecodeErrorRate)
	}
	if m == nil {
		m = metrics.New(nil)
	}

	states := make(map[string]State)
	for _, id := range writer.SinkIDs() {
		states[id] = Starting
	}

	return &Runner{
		schema:  s,
		writer:  writer,
		sources: sources,
		metrics: m,
		states:  states,
		opts:    opts,
	}, nil
}

// Result reports how every sink ended.
type Result struct {
	States map[string]State
	Errors map[string]error
}

func (r Result) Failed() []string {
	var ids []string
	for id, st := range r.States {
		if st == Failed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// States returns a snapshot of the current sink states.
func (r *Runner) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.states))
	for id, st := range r.states {
		states[id] = st
	}
	return states
}

func (r *Runner) setState(id string, st State) {
	r.mu.Lock()
	prev := r.states[id]
	r.states[id] = st
	r.mu.Unlock()

	r.metrics.Sink(id).SetState(int(st))
	if prev != st {
		logger.Info("[pipeline] sink state changed", "sink", id, "from", prev.String(), "to", st.String())
	}
}

// Run drives one loop per sink until ctx is cancelled or every sink has
// failed. Sinks never wait on each other. The returned error is non-nil if
// any sink failed.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	ids := r.writer.SinkIDs()
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.runSink(ctx, id)
		}()
	}
	wg.Wait()

	result := Result{States: r.States(), Errors: map[string]error{}}
	var err error
	for i, id := range ids {
		if errs[i] != nil {
			result.Errors[id] = errs[i]
			err = errors.CombineErrors(err, errors.Wrapf(errs[i], "sink %s", id))
		}
	}
	return result, err
}

func (r *Runner) runSink(ctx context.Context, id string) error {
	m := r.metrics.Sink(id)
	r.setState(id, Starting)

	fail := func(err error) error {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			r.setState(id, Stopped)
			return nil
		}
		r.setState(id, Failed)
		logger.Error("[pipeline] sink failed", "sink", id, "error", err)
		return err
	}

	r.setState(id, Resuming)
	state, err := r.writer.Recover(ctx, id)
	if err != nil {
		return fail(err)
	}
	m.SetSeq(state.Seq)

	src, err := r.sources(ctx, id, state.Offsets)
	if err != nil {
		return fail(errors.Wrapf(err, "open source for %s", id))
	}
	defer src.Close()

	budget := rate.NewLimiter(rate.Limit(r.opts.DecodeErrorRate), r.opts.DecodeErrorBurst)
	r.setState(id, Streaming)

	for {
		b, err := r.readBatch(ctx, id, src, budget, m)
		if err != nil {
			return fail(err)
		}

		stopping := ctx.Err() != nil
		if stopping {
			r.setState(id, Draining)
		}

		if b.messages > 0 {
			// the in-flight batch is always completed, even during shutdown
			if err := r.commit(context.WithoutCancel(ctx), id, b, m); err != nil {
				return fail(err)
			}
		}

		if stopping {
			r.setState(id, Stopped)
			return nil
		}
	}
}

type batch struct {
	through  offset.Offsets
	records  []*message.Record
	messages int
}

// readBatch collects messages until the batch is full or the window closes.
func (r *Runner) readBatch(ctx context.Context, id string, src stream.Source, budget *rate.Limiter, m *metrics.Sink) (*batch, error) {
	b := &batch{through: offset.Offsets{}}

	window, cancel := context.WithTimeout(ctx, r.opts.BatchWindow)
	defer cancel()

	for b.messages < r.opts.BatchMaxRecords && window.Err() == nil {
		msgs, err := src.Fetch(window, r.opts.BatchMaxRecords-b.messages)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch for %s", id)
		}

		for _, msg := range msgs {
			if err := r.handle(id, msg, b, budget, m); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func (r *Runner) handle(id string, msg stream.Message, b *batch, budget *rate.Limiter, m *metrics.Sink) error {
	m.Message()
	b.messages++
	b.through.Observe(msg.Partition, msg.Offset)

	if len(msg.Value) == 0 {
		m.Tombstone()
		return nil
	}

	event, err := message.Decode(msg.Value, r.schema)
	if err != nil {
		m.DecodeError()
		logger.Warn("[pipeline] skipping undecodable message", "sink", id, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		if !budget.Allow() {
			return errors.Mark(errors.Wrapf(err, "message at %d:%d", msg.Partition, msg.Offset), ErrDecodeBudget)
		}
		return nil
	}

	record, ok := message.Admit(event)
	if !ok {
		m.Dropped(event.Op.String())
		return nil
	}
	b.records = append(b.records, record)
	return nil
}

func (r *Runner) commit(ctx context.Context, id string, b *batch, m *metrics.Sink) error {
	started := time.Now()

	tok, err := r.writer.Write(ctx, id, b.records, b.through)
	if err != nil {
		return err
	}

	m.Committed(tok.Seq, tok.Records, tok.Bytes, time.Since(started).Seconds())
	logger.Debug("[pipeline] batch committed", "sink", id, "messages", b.messages, "records", tok.Records, "unit", tok.Key, "offsets", tok.Offsets.String())
	return nil
}
