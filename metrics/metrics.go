package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdcsink"

// Metrics holds the pipeline collectors, labelled by sink.
type Metrics struct {
	messages      *prometheus.CounterVec
	tombstones    *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	records       *prometheus.CounterVec
	units         *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	commits       *prometheus.CounterVec
	state         *prometheus.GaugeVec
	committedSeq  *prometheus.GaugeVec
	batchDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	sink := []string{"sink"}

	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages read from the change log.",
		}, sink),
		tombstones: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tombstones_total",
			Help: "Messages with an empty value.",
		}, sink),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Messages skipped because they could not be decoded.",
		}, sink),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_events_total",
			Help: "Decoded events not admitted by the operation filter.",
		}, []string{"sink", "op"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_written_total",
			Help: "Records written to data units.",
		}, sink),
		units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "units_written_total",
			Help: "Data units written.",
		}, sink),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unit_bytes_total",
			Help: "Bytes written to data units.",
		}, sink),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_commits_total",
			Help: "Batches whose checkpoint was committed.",
		}, sink),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_state",
			Help: "Sink state: 0 starting, 1 resuming, 2 streaming, 3 draining, 4 stopped, 5 failed.",
		}, sink),
		committedSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "committed_seq",
			Help: "Sequence number of the last committed data unit.",
		}, sink),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_commit_seconds",
			Help:    "Time to write and commit one batch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, sink),
	}
}

// Sink returns the collectors of one sink.
func (m *Metrics) Sink(id string) *Sink {
	return &Sink{m: m, id: id}
}

type Sink struct {
	m  *Metrics
	id string
}

func (s *Sink) Message()     { s.m.messages.WithLabelValues(s.id).Inc() }
func (s *Sink) Tombstone()   { s.m.tombstones.WithLabelValues(s.id).Inc() }
func (s *Sink) DecodeError() { s.m.decodeErrors.WithLabelValues(s.id).Inc() }

func (s *Sink) Dropped(op string) {
	s.m.dropped.WithLabelValues(s.id, op).Inc()
}

// Committed records a committed batch. records and bytes are zero when no
// unit was written.
func (s *Sink) Committed(seq int64, records, bytes int, seconds float64) {
	if records > 0 {
		s.m.records.WithLabelValues(s.id).Add(float64(records))
		s.m.units.WithLabelValues(s.id).Inc()
		s.m.bytes.WithLabelValues(s.id).Add(float64(bytes))
	}
	s.m.commits.WithLabelValues(s.id).Inc()
	s.m.committedSeq.WithLabelValues(s.id).Set(float64(seq))
	s.m.batchDuration.WithLabelValues(s.id).Observe(seconds)
}

func (s *Sink) SetSeq(seq int64) {
	s.m.committedSeq.WithLabelValues(s.id).Set(float64(seq))
}

func (s *Sink) SetState(code int) {
	s.m.state.WithLabelValues(s.id).Set(float64(code))
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
