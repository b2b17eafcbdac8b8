package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snapflowio/cdcsink/checkpoint"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/message/format"
	"github.com/snapflowio/cdcsink/metrics"
	"github.com/snapflowio/cdcsink/schema"
	"github.com/snapflowio/cdcsink/sink"
	"github.com/snapflowio/cdcsink/storage"
	"github.com/snapflowio/cdcsink/stream"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var people = schema.MustNew(
	schema.ColumnSpec{Name: "id", Kind: schema.KindInt32},
	schema.ColumnSpec{Name: "name", Kind: schema.KindString},
)

var sinkIDs = []string{sink.CSVSinkID, sink.ParquetSinkID}

func envelope(op string, id int, name string) []byte {
	return []byte(fmt.Sprintf(`{"payload":{"after":{"id":%d,"name":%q},"op":%q,"ts_ms":"100"}}`, id, name, op))
}

func testOptions() Options {
	return Options{
		BatchMaxRecords:  100,
		BatchWindow:      20 * time.Millisecond,
		DecodeErrorRate:  0,
		DecodeErrorBurst: 10,
	}
}

type brokenOutput struct {
	storage.ObjectStore
}

func (brokenOutput) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket unreachable")
}

type harness struct {
	log         *stream.MemoryLog
	output      storage.ObjectStore
	checkpoints checkpoint.Store
	reg         *prometheus.Registry
}

func newHarness() *harness {
	mem := afero.NewMemMapFs()
	return &harness{
		log:         stream.NewMemoryLog(),
		output:      storage.WithPrefix(storage.NewFS(mem), "data"),
		checkpoints: checkpoint.NewObjectStore(storage.WithPrefix(storage.NewFS(mem), "checkpoints")),
		reg:         prometheus.NewRegistry(),
	}
}

func (h *harness) sources(_ context.Context, _ string, from offset.Offsets) (stream.Source, error) {
	return h.log.Open(from), nil
}

func (h *harness) dualWriter(t *testing.T) *sink.Writer {
	t.Helper()
	w, err := sink.NewDualWriter(people, h.output, h.checkpoints, sink.DualOptions{Retry: sink.RetryPolicy{Attempts: 1}})
	require.NoError(t, err)
	return w
}

func (h *harness) runner(t *testing.T, w *sink.Writer, opts Options) *Runner {
	t.Helper()
	h.reg = prometheus.NewRegistry()
	r, err := NewRunner(people, w, h.sources, metrics.New(h.reg), opts)
	require.NoError(t, err)
	return r
}

// runUntil runs r until done reports true, then shuts it down.
func (h *harness) runUntil(t *testing.T, r *Runner, done func() bool) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		err    error
		result Result
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := r.Run(ctx)
		ch <- outcome{result: result, err: err}
	}()

	require.Eventually(t, done, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
		return Result{}, nil
	}
}

func (h *harness) committed(id string) *checkpoint.State {
	state, err := h.checkpoints.Load(context.Background(), id)
	if err != nil {
		return nil
	}
	return state
}

// caughtUp reports whether every given sink has committed the whole log.
func (h *harness) caughtUp(ids ...string) func() bool {
	return func() bool {
		end := h.log.End()
		for _, id := range ids {
			state := h.committed(id)
			if state == nil || !state.Offsets.Covers(end) {
				return false
			}
		}
		return true
	}
}

func (h *harness) units(t *testing.T, id string) []string {
	t.Helper()
	keys, err := h.output.List(context.Background(), id+"/part-")
	require.NoError(t, err)
	return keys
}

func (h *harness) records(t *testing.T, id string) []map[string]any {
	t.Helper()

	var codec format.Codec = format.NewCSV(format.CSVOptions{})
	if id == sink.ParquetSinkID {
		p, err := format.NewParquet(people, 0)
		require.NoError(t, err)
		codec = p
	}

	var rows []map[string]any
	for _, key := range h.units(t, id) {
		data, err := h.output.Get(context.Background(), key)
		require.NoError(t, err)
		records, err := codec.Decode(data, people)
		require.NoError(t, err)
		for _, r := range records {
			rows = append(rows, r.Map())
		}
	}
	return rows
}

func (h *harness) counter(t *testing.T, name, id string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "sink" && label.GetValue() == id {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCreateIsWrittenOnceToBothSinks(t *testing.T) {
	h := newHarness()
	h.log.Append(0, []byte(`{"payload":{"after":{"id":1,"name":"Ann"},"op":"c","ts_ms":"100"}}`))

	result, err := h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Equal(t, Stopped, result.States[id], id)
		assert.Len(t, h.units(t, id), 1, id)
		assert.Equal(t, []map[string]any{{"id": int32(1), "name": "Ann"}}, h.records(t, id), id)
		assert.Equal(t, offset.Offsets{0: 1}, h.committed(id).Offsets)
		assert.Equal(t, int64(1), h.committed(id).Seq)
	}
	assert.Empty(t, result.Failed())
}

func TestDeleteAdvancesCheckpointWithoutUnit(t *testing.T) {
	h := newHarness()
	h.log.Append(0, envelope("d", 1, "Ann"), nil, envelope("r", 2, "Bo"))

	_, err := h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Empty(t, h.units(t, id), id)
		state := h.committed(id)
		assert.Equal(t, offset.Offsets{0: 3}, state.Offsets)
		assert.Zero(t, state.Seq)
		assert.Equal(t, 1.0, h.counter(t, "cdcsink_tombstones_total", id))
	}
}

func TestMissingAfterIsSkippedAndCounted(t *testing.T) {
	h := newHarness()
	h.log.Append(0,
		[]byte(`{"payload":{"op":"c","ts_ms":100}}`),
		envelope("u", 2, "Bo"),
	)

	_, err := h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Equal(t, 1.0, h.counter(t, "cdcsink_decode_errors_total", id), id)
		assert.Equal(t, 2.0, h.counter(t, "cdcsink_messages_total", id), id)
		assert.Equal(t, []map[string]any{{"id": int32(2), "name": "Bo"}}, h.records(t, id), id)
		assert.Equal(t, offset.Offsets{0: 2}, h.committed(id).Offsets)
	}
}

func TestExhaustedDecodeBudgetFailsSink(t *testing.T) {
	h := newHarness()
	h.log.Append(0, []byte("not json"))

	opts := testOptions()
	opts.DecodeErrorBurst = 0
	r := h.runner(t, h.dualWriter(t), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecodeBudget))
	assert.True(t, errors.Is(err, message.ErrDecode))
	assert.Equal(t, sinkIDs, result.Failed())
	assert.NotNil(t, result.Errors[sink.CSVSinkID])

	for _, id := range sinkIDs {
		assert.Nil(t, h.committed(id), "no checkpoint for %s", id)
	}
}

func TestDecodeRateWithoutBurstToleratesErrors(t *testing.T) {
	h := newHarness()
	h.log.Append(0, []byte("not json"), envelope("c", 1, "Ann"))

	opts := testOptions()
	opts.DecodeErrorRate = 5
	opts.DecodeErrorBurst = 0
	r := h.runner(t, h.dualWriter(t), opts)

	result, err := h.runUntil(t, r, h.caughtUp(sinkIDs...))
	require.NoError(t, err)
	assert.Empty(t, result.Failed())

	for _, id := range sinkIDs {
		assert.Equal(t, Stopped, result.States[id], id)
		assert.Equal(t, []map[string]any{{"id": int32(1), "name": "Ann"}}, h.records(t, id), id)
	}
}

func TestDecodeBurst(t *testing.T) {
	assert.Equal(t, 1, DecodeBurst(0.2))
	assert.Equal(t, 5, DecodeBurst(5))
	assert.Equal(t, 3, DecodeBurst(2.5))
}

func TestBatchIsBoundedByCount(t *testing.T) {
	h := newHarness()
	for i := 1; i <= 5; i++ {
		h.log.Append(0, envelope("c", i, "n"))
	}

	opts := testOptions()
	opts.BatchMaxRecords = 2
	_, err := h.runUntil(t, h.runner(t, h.dualWriter(t), opts), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Len(t, h.units(t, id), 3, id)
		assert.Len(t, h.records(t, id), 5, id)
	}
}

func TestEmptyWindowWritesNothing(t *testing.T) {
	h := newHarness()
	started := time.Now()

	result, err := h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), func() bool {
		return time.Since(started) > 100*time.Millisecond
	})
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Equal(t, Stopped, result.States[id])
		assert.Nil(t, h.committed(id))
		assert.Empty(t, h.units(t, id))
	}
}

func TestShutdownCompletesInFlightBatch(t *testing.T) {
	h := newHarness()
	h.log.Append(0, envelope("c", 1, "Ann"), envelope("c", 2, "Bo"))

	opts := testOptions()
	opts.BatchWindow = time.Hour
	r := h.runner(t, h.dualWriter(t), opts)

	result, err := h.runUntil(t, r, func() bool {
		for _, id := range sinkIDs {
			if h.counter(t, "cdcsink_messages_total", id) < 2 {
				return false
			}
		}
		return true
	})
	require.NoError(t, err)

	for _, id := range sinkIDs {
		assert.Equal(t, Stopped, result.States[id])
		assert.Len(t, h.records(t, id), 2, id)
		assert.Equal(t, offset.Offsets{0: 2}, h.committed(id).Offsets)
	}
}

func TestRestartResumesFromCheckpoint(t *testing.T) {
	h := newHarness()
	for i := 1; i <= 3; i++ {
		h.log.Append(int32(i%2), envelope("c", i, "first"))
	}

	_, err := h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for i := 4; i <= 6; i++ {
		h.log.Append(int32(i%2), envelope("c", i, "second"))
	}

	_, err = h.runUntil(t, h.runner(t, h.dualWriter(t), testOptions()), h.caughtUp(sinkIDs...))
	require.NoError(t, err)

	for _, id := range sinkIDs {
		seen := map[int32]int{}
		for _, row := range h.records(t, id) {
			seen[row["id"].(int32)]++
		}
		for i := int32(1); i <= 6; i++ {
			assert.Equal(t, 1, seen[i], "%s record %d", id, i)
		}
		assert.Equal(t, h.log.End(), h.committed(id).Offsets)
	}
}

func TestFailedSinkDoesNotStallOther(t *testing.T) {
	h := newHarness()
	h.log.Append(0, envelope("c", 1, "Ann"))

	parquetCodec, err := format.NewParquet(people, 0)
	require.NoError(t, err)
	policy := sink.RetryPolicy{Attempts: 1}
	w, err := sink.NewWriter(
		sink.NewUnitSink(sink.CSVSinkID, format.NewCSV(format.CSVOptions{}), h.output, h.checkpoints, policy),
		sink.NewUnitSink(sink.ParquetSinkID, parquetCodec, brokenOutput{h.output}, h.checkpoints, policy),
	)
	require.NoError(t, err)
	r := h.runner(t, w, testOptions())

	caught := h.caughtUp(sink.CSVSinkID)
	result, err := h.runUntil(t, r, func() bool {
		return caught() && r.States()[sink.ParquetSinkID] == Failed
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, sink.ErrSinkWrite))
	assert.True(t, strings.Contains(err.Error(), "sink parquet"))
	assert.Equal(t, Stopped, result.States[sink.CSVSinkID])
	assert.Equal(t, Failed, result.States[sink.ParquetSinkID])
	assert.Equal(t, []string{sink.ParquetSinkID}, result.Failed())
	assert.Len(t, h.records(t, sink.CSVSinkID), 1)

	// the failed unit keeps its recovery marker and is replayed next time
	state := h.committed(sink.ParquetSinkID)
	require.NotNil(t, state)
	assert.NotNil(t, state.Pending)
	assert.Zero(t, state.Seq)
}

func TestNewRunnerValidatesOptions(t *testing.T) {
	h := newHarness()
	w := h.dualWriter(t)

	for name, mutate := range map[string]func(*Options){
		"batch size": func(o *Options) { o.BatchMaxRecords = 0 },
		"window":     func(o *Options) { o.BatchWindow = 0 },
		"budget":     func(o *Options) { o.DecodeErrorBurst = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			opts := testOptions()
			mutate(&opts)
			_, err := NewRunner(people, w, h.sources, nil, opts)
			assert.Error(t, err)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STREAMING", Streaming.String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Draining.Terminal())
}
