package checkpoint

import (
	"context"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const objectName = "checkpoint.json"

// ObjectStore keeps each state as <sinkID>/checkpoint.json.
type ObjectStore struct {
	objects storage.ObjectStore
}

var _ Store = (*ObjectStore)(nil)

func NewObjectStore(objects storage.ObjectStore) *ObjectStore {
	return &ObjectStore{objects: objects}
}

func objectKey(sinkID string) string {
	return sinkID + "/" + objectName
}

func (o *ObjectStore) Load(ctx context.Context, sinkID string) (*State, error) {
	data, err := o.objects.Get(ctx, objectKey(sinkID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint of %s", sinkID)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "parse checkpoint of %s", sinkID)
	}
	if state.Offsets == nil {
		state.Offsets = offset.Offsets{}
	}
	return &state, nil
}

func (o *ObjectStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encode checkpoint of %s", state.SinkID)
	}

	if err := o.objects.Put(ctx, objectKey(state.SinkID), data, "application/json"); err != nil {
		return errors.Wrapf(err, "save checkpoint of %s", state.SinkID)
	}
	return nil
}

func (o *ObjectStore) Close() error {
	return nil
}
