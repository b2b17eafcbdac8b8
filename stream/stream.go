package stream

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by Fetch once the source has been closed.
var ErrClosed = errors.New("source closed")

// Message is one raw record of the change log. A nil or empty Value is a
// tombstone.
type Message struct {
	Value     []byte
	Offset    int64
	Partition int32
}

// Source reads one topic from a cursor owned by a single consumer.
type Source interface {
	// Fetch blocks until at least one message is available or ctx is done,
	// and returns at most max messages. When ctx ends first it returns no
	// messages and no error.
	Fetch(ctx context.Context, max int) ([]Message, error)
	Close()
}
