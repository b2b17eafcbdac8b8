package checkpoint

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/storage"
)

// Unit describes a data unit that is being written. It is persisted before
// the unit itself so that recovery can find a unit whose commit was
// interrupted.
type Unit struct {
	Offsets offset.Offsets `json:"offsets"`
	Key     string         `json:"key"`
	Seq     int64          `json:"seq"`
}

// State is the durable cursor of one sink. Seq is the sequence number of the
// last committed unit and Offsets holds the next source offset per partition.
type State struct {
	UpdatedAt time.Time      `json:"updatedAt"`
	Offsets   offset.Offsets `json:"offsets"`
	Pending   *Unit          `json:"pending,omitempty"`
	SinkID    string         `json:"sinkId"`
	Seq       int64          `json:"seq"`
}

func New(sinkID string) *State {
	return &State{SinkID: sinkID, Offsets: offset.Offsets{}}
}

func (s *State) Clone() *State {
	c := *s
	c.Offsets = s.Offsets.Clone()
	if s.Pending != nil {
		p := *s.Pending
		p.Offsets = s.Pending.Offsets.Clone()
		c.Pending = &p
	}
	return &c
}

// Store persists sink states. Load returns nil and no error for a sink that
// has never committed.
type Store interface {
	Load(ctx context.Context, sinkID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Close() error
}

// Open picks a store for location: postgres:// and postgresql:// DSNs keep
// states in a table, every other location is an object store.
func Open(ctx context.Context, location string, s3cfg storage.S3Config) (Store, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "parse checkpoint location %q", location)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, location, TableName)
	default:
		objects, err := storage.Open(location, s3cfg)
		if err != nil {
			return nil, err
		}
		return NewObjectStore(objects), nil
	}
}
