package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/checkpoint"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/logger"
	"github.com/snapflowio/cdcsink/message"
	"github.com/snapflowio/cdcsink/message/format"
	"github.com/snapflowio/cdcsink/storage"
)

var (
	// ErrSinkWrite marks a data unit that could not be encoded or stored.
	ErrSinkWrite = errors.New("sink write error")
	// ErrCheckpoint marks a checkpoint state that could not be loaded or saved.
	ErrCheckpoint = errors.New("checkpoint error")
)

type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Delay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Token acknowledges a committed batch. Key is empty when the batch produced
// no data unit.
type Token struct {
	Offsets offset.Offsets
	SinkID  string
	Key     string
	Seq     int64
	Records int
	Bytes   int
}

// UnitSink writes every batch as a new immutable object
// <sinkID>/part-<seq>.<ext> and tracks its own checkpoint. A UnitSink is
// driven by a single goroutine.
type UnitSink struct {
	codec       format.Codec
	output      storage.ObjectStore
	checkpoints checkpoint.Store
	state       *checkpoint.State
	id          string
	retry       RetryPolicy
}

func NewUnitSink(id string, codec format.Codec, output storage.ObjectStore, checkpoints checkpoint.Store, policy RetryPolicy) *UnitSink {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	return &UnitSink{
		id:          id,
		codec:       codec,
		output:      output,
		checkpoints: checkpoints,
		retry:       policy,
	}
}

func (s *UnitSink) ID() string {
	return s.id
}

// State returns a copy of the last committed state, or nil before Recover.
func (s *UnitSink) State() *checkpoint.State {
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}

func (s *UnitSink) unitPrefix() string {
	return s.id + "/part-"
}

func (s *UnitSink) unitKey(seq int64) string {
	return fmt.Sprintf("%s%010d.%s", s.unitPrefix(), seq, s.codec.Extension())
}

func (s *UnitSink) parseSeq(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, s.unitPrefix())
	if !ok {
		return 0, false
	}
	digits, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Recover loads the checkpoint and settles an interrupted commit. A pending
// unit that made it to storage is adopted, otherwise the marker is dropped
// and the batch is replayed. Units past the committed sequence that no
// marker covers are removed, replay produces them again.
func (s *UnitSink) Recover(ctx context.Context) (*checkpoint.State, error) {
	var state *checkpoint.State
	err := s.do(ctx, "load checkpoint", func() error {
		var err error
		state, err = s.checkpoints.Load(ctx, s.id)
		return err
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "recover %s", s.id), ErrCheckpoint)
	}
	if state == nil {
		state = checkpoint.New(s.id)
		logger.Info("[sink] no checkpoint, starting fresh", "sink", s.id)
	}

	if pending := state.Pending; pending != nil {
		var exists bool
		err := s.do(ctx, "check pending unit", func() error {
			var err error
			exists, err = s.output.Exists(ctx, pending.Key)
			return err
		})
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "recover %s", s.id), ErrSinkWrite)
		}

		next := state.Clone()
		next.Pending = nil
		if exists {
			next.Seq = pending.Seq
			next.Offsets.Merge(pending.Offsets)
			logger.Warn("[sink] adopted unit of interrupted commit", "sink", s.id, "key", pending.Key, "offsets", pending.Offsets.String())
		} else {
			logger.Warn("[sink] dropped recovery marker, unit was never written", "sink", s.id, "key", pending.Key)
		}

		if err := s.save(ctx, next); err != nil {
			return nil, err
		}
		state = next
	}

	if err := s.removeOrphans(ctx, state.Seq); err != nil {
		return nil, err
	}

	s.state = state
	logger.Info("[sink] recovered", "sink", s.id, "seq", state.Seq, "offsets", state.Offsets.String())
	return state.Clone(), nil
}

func (s *UnitSink) removeOrphans(ctx context.Context, committed int64) error {
	var keys []string
	err := s.do(ctx, "list units", func() error {
		var err error
		keys, err = s.output.List(ctx, s.unitPrefix())
		return err
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "list units of %s", s.id), ErrSinkWrite)
	}

	for _, key := range keys {
		seq, ok := s.parseSeq(key)
		if !ok || seq <= committed {
			continue
		}

		err := s.do(ctx, "delete orphan unit", func() error {
			return s.output.Delete(ctx, key)
		})
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "delete orphan %s", key), ErrSinkWrite)
		}
		logger.Warn("[sink] deleted orphan unit", "sink", s.id, "key", key, "committedSeq", committed)
	}
	return nil
}

// Write stores batch as the next unit and advances the checkpoint to through.
// The recovery marker is saved first, then the unit, then the committed
// state. An empty batch only advances the checkpoint.
func (s *UnitSink) Write(ctx context.Context, batch []*message.Record, through offset.Offsets) (Token, error) {
	if s.state == nil {
		return Token{}, errors.Newf("sink %s: write before recover", s.id)
	}
	if len(batch) == 0 {
		return s.Commit(ctx, through)
	}

	data, err := s.codec.Encode(batch)
	if err != nil {
		return Token{}, errors.Mark(errors.Wrapf(err, "encode unit for %s", s.id), ErrSinkWrite)
	}

	seq := s.state.Seq + 1
	key := s.unitKey(seq)
	offsets := s.state.Offsets.Clone()
	offsets.Merge(through)

	marked := s.state.Clone()
	marked.Pending = &checkpoint.Unit{Seq: seq, Key: key, Offsets: offsets.Clone()}
	if err := s.save(ctx, marked); err != nil {
		return Token{}, err
	}

	err = s.do(ctx, "put unit", func() error {
		return s.output.Put(ctx, key, data, s.codec.ContentType())
	})
	if err != nil {
		return Token{}, errors.Mark(errors.Wrapf(err, "put unit %s", key), ErrSinkWrite)
	}

	committed := s.state.Clone()
	committed.Seq = seq
	committed.Offsets = offsets
	if err := s.save(ctx, committed); err != nil {
		return Token{}, err
	}
	s.state = committed

	logger.Debug("[sink] unit committed", "sink", s.id, "key", key, "records", len(batch), "bytes", len(data), "offsets", offsets.String())
	return Token{SinkID: s.id, Seq: seq, Key: key, Offsets: offsets.Clone(), Records: len(batch), Bytes: len(data)}, nil
}

// Commit advances the checkpoint without writing a unit. It is a no-op when
// through adds nothing to the committed offsets.
func (s *UnitSink) Commit(ctx context.Context, through offset.Offsets) (Token, error) {
	if s.state == nil {
		return Token{}, errors.Newf("sink %s: commit before recover", s.id)
	}

	if s.state.Offsets.Covers(through) {
		return Token{SinkID: s.id, Seq: s.state.Seq, Offsets: s.state.Offsets.Clone()}, nil
	}

	next := s.state.Clone()
	next.Offsets.Merge(through)
	if err := s.save(ctx, next); err != nil {
		return Token{}, err
	}
	s.state = next

	logger.Debug("[sink] checkpoint advanced", "sink", s.id, "offsets", next.Offsets.String())
	return Token{SinkID: s.id, Seq: next.Seq, Offsets: next.Offsets.Clone()}, nil
}

func (s *UnitSink) save(ctx context.Context, state *checkpoint.State) error {
	state.UpdatedAt = time.Now().UTC()
	err := s.do(ctx, "save checkpoint", func() error {
		return s.checkpoints.Save(ctx, state)
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "save checkpoint of %s", s.id), ErrCheckpoint)
	}
	return nil
}

func (s *UnitSink) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(s.retry.Attempts),
		retry.Delay(s.retry.Delay),
		retry.MaxDelay(s.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[sink] operation failed, retrying", "sink", s.id, "operation", op, "attempt", n+1, "error", err)
		}),
	)
}
