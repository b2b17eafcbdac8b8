package stream

import (
	"context"
	"testing"
	"time"

	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySourceReadsFromCursor(t *testing.T) {
	log := NewMemoryLog()
	log.Append(0, []byte("a"), []byte("b"), []byte("c"))
	log.Append(1, []byte("x"))

	src := log.Open(offset.Offsets{0: 1})
	defer src.Close()

	msgs, err := src.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Partition: 0, Offset: 1, Value: []byte("b")},
		{Partition: 0, Offset: 2, Value: []byte("c")},
		{Partition: 1, Offset: 0, Value: []byte("x")},
	}, msgs)

	assert.Equal(t, offset.Offsets{0: 3, 1: 1}, log.End())
}

func TestMemorySourceHonoursMax(t *testing.T) {
	log := NewMemoryLog()
	log.Append(0, []byte("a"), []byte("b"), []byte("c"))
	src := log.Open(nil)

	msgs, err := src.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = src.Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].Offset)
}

func TestMemorySourceBlocksUntilAppendOrDeadline(t *testing.T) {
	log := NewMemoryLog()
	src := log.Open(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msgs, err := src.Fetch(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	go func() {
		time.Sleep(10 * time.Millisecond)
		log.Append(3, []byte("late"))
	}()

	msgs, err = src.Fetch(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int32(3), msgs[0].Partition)
}

func TestMemorySourceClosed(t *testing.T) {
	src := NewMemoryLog().Open(nil)
	src.Close()

	_, err := src.Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlanStart(t *testing.T) {
	committed := offset.Offsets{0: 40, 1: 3, 7: 9}
	logStart := offset.Offsets{0: 10, 1: 5, 2: 0}

	plan := planStart("customers", "csv", committed, logStart)

	assert.Equal(t, map[int32]int64{
		0: 40,
		1: 5,
		2: -1,
	}, plan)
}
