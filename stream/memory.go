package stream

import (
	"context"
	"sync"

	"github.com/snapflowio/cdcsink/internal/offset"
)

// MemoryLog is an in-process partitioned log. Offsets are positions in a
// partition, starting at zero.
type MemoryLog struct {
	partitions map[int32][][]byte
	notify     chan struct{}
	mu         sync.Mutex
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{partitions: map[int32][][]byte{}, notify: make(chan struct{})}
}

func (l *MemoryLog) Append(partition int32, values ...[]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partitions[partition] = append(l.partitions[partition], values...)
	close(l.notify)
	l.notify = make(chan struct{})
}

// End returns the offset after the last message of every partition.
func (l *MemoryLog) End() offset.Offsets {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := offset.Offsets{}
	for p, values := range l.partitions {
		end[p] = int64(len(values))
	}
	return end
}

// Open returns a source positioned at from. Partitions missing from from
// start at zero.
func (l *MemoryLog) Open(from offset.Offsets) *MemorySource {
	return &MemorySource{log: l, next: from.Clone()}
}

type MemorySource struct {
	log    *MemoryLog
	next   offset.Offsets
	mu     sync.Mutex
	closed bool
}

var _ Source = (*MemorySource)(nil)

func (s *MemorySource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	for {
		msgs, wait, err := s.poll(max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-wait:
		}
	}
}

func (s *MemorySource) poll(max int) ([]Message, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	s.log.mu.Lock()
	defer s.log.mu.Unlock()

	var msgs []Message
	partitions := make(offset.Offsets, len(s.log.partitions))
	for p := range s.log.partitions {
		partitions[p] = 0
	}

	for _, p := range partitions.Partitions() {
		values := s.log.partitions[p]
		for n := s.next[p]; n < int64(len(values)) && len(msgs) < max; n++ {
			msgs = append(msgs, Message{Partition: p, Offset: n, Value: values[n]})
			s.next[p] = n + 1
		}
	}
	return msgs, s.log.notify, nil
}

func (s *MemorySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
