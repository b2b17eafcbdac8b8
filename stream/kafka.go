package stream

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/logger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	StartEarliest = "earliest"
	StartLatest   = "latest"
)

type KafkaConfig struct {
	Topic        string
	ClientID     string
	StartOffset  string
	Brokers      []string
	FetchMaxWait time.Duration
	DialTimeout  time.Duration
}

// Kafka consumes every partition of one topic from explicit offsets. There
// is no consumer group; the cursor lives in the sink checkpoint.
type Kafka struct {
	client *kgo.Client
	topic  string
	sinkID string
}

var _ Source = (*Kafka)(nil)

// OpenKafka lists the partitions of the topic and starts consuming each one
// at its committed offset. Partitions without a committed offset start at
// cfg.StartOffset.
func OpenKafka(ctx context.Context, cfg KafkaConfig, sinkID string, from offset.Offsets) (*Kafka, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID + "-" + sinkID),
		kgo.WithLogger(kgoLogger{sinkID: sinkID}),
	}
	if cfg.DialTimeout > 0 {
		base = append(base, kgo.DialTimeout(cfg.DialTimeout))
	}

	starts, err := listStartOffsets(ctx, base, cfg.Topic)
	if err != nil {
		return nil, err
	}

	partitions := consumeOffsets(planStart(cfg.Topic, sinkID, from, starts), cfg.StartOffset)

	opts := append(base, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Topic: partitions}))
	if cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "create kafka consumer for %s", sinkID)
	}

	logger.Info("[kafka] consuming", "sink", sinkID, "topic", cfg.Topic, "partitions", len(partitions), "from", from.String())
	return &Kafka{client: client, topic: cfg.Topic, sinkID: sinkID}, nil
}

func listStartOffsets(ctx context.Context, opts []kgo.Opt, topic string) (offset.Offsets, error) {
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka admin client")
	}
	defer client.Close()
	admin := kadm.NewClient(client)

	starts := offset.Offsets{}
	err = retry.Do(
		func() error {
			listed, err := admin.ListStartOffsets(ctx, topic)
			if err != nil {
				return errors.Wrapf(err, "list start offsets of %s", topic)
			}

			for _, lo := range listed[topic] {
				if lo.Err != nil {
					return errors.Wrapf(lo.Err, "list start offset of %s[%d]", topic, lo.Partition)
				}
				starts[lo.Partition] = lo.Offset
			}

			if len(starts) == 0 {
				return errors.Newf("topic %s has no partitions", topic)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[kafka] topic metadata unavailable, retrying", "topic", topic, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return starts, nil
}

// planStart decides where each partition is read from. A value of -1 means
// the configured start position. A committed offset the log no longer holds
// is moved up to the log start; the skipped range is lost to this sink.
func planStart(topic, sinkID string, committed, logStart offset.Offsets) map[int32]int64 {
	plan := make(map[int32]int64, len(logStart))
	for _, p := range logStart.Partitions() {
		next, ok := committed[p]
		if !ok {
			plan[p] = -1
			continue
		}

		if start := logStart[p]; next < start {
			logger.Error("[kafka] committed offset is below log start, records were deleted before this sink read them",
				"sink", sinkID, "topic", topic, "partition", p, "committed", next, "logStart", start)
			next = start
		}
		plan[p] = next
	}

	for p := range committed {
		if _, ok := logStart[p]; !ok {
			logger.Warn("[kafka] committed partition no longer exists", "sink", sinkID, "topic", topic, "partition", p)
		}
	}
	return plan
}

// consumeOffsets turns a start plan into franz-go offsets. Partitions planned
// at -1 start at the log start or end depending on startOffset.
func consumeOffsets(plan map[int32]int64, startOffset string) map[int32]kgo.Offset {
	partitions := make(map[int32]kgo.Offset, len(plan))
	for p, at := range plan {
		switch {
		case at >= 0:
			partitions[p] = kgo.NewOffset().At(at)
		case startOffset == StartLatest:
			partitions[p] = kgo.NewOffset().AtEnd()
		default:
			partitions[p] = kgo.NewOffset().AtStart()
		}
	}
	return partitions
}

func (k *Kafka) Fetch(ctx context.Context, max int) ([]Message, error) {
	fetches := k.client.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Warn("[kafka] fetch error", "sink", k.sinkID, "topic", topic, "partition", partition, "error", err)
	})

	return messages(fetches), nil
}

func messages(fetches kgo.Fetches) []Message {
	msgs := make([]Message, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, Message{Partition: r.Partition, Offset: r.Offset, Value: r.Value})
	})
	return msgs
}

func (k *Kafka) Close() {
	k.client.Close()
}

type kgoLogger struct {
	sinkID string
}

func (kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	keyvals = append(keyvals, "sink", l.sinkID)
	msg = "[kgo] " + msg

	switch level {
	case kgo.LogLevelError:
		logger.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		logger.Warn(msg, keyvals...)
	default:
		logger.Debug(msg, keyvals...)
	}
}
