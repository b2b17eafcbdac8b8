package storage

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("object not found")

// ObjectStore is the subset of object storage the pipeline needs. Put must be
// atomic: after it returns nil the whole object is visible, and a failed Put
// leaves no partial object behind.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Open resolves a location URL to a store rooted at the URL path.
//
//	s3://bucket/prefix, s3a://bucket/prefix  MinIO/S3 client built from s3cfg
//	file:///dir, /dir, dir                   local filesystem
//	mem://                                   in-memory filesystem
func Open(location string, s3cfg S3Config) (ObjectStore, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "parse location %q", location)
	}

	switch u.Scheme {
	case "s3", "s3a":
		if u.Host == "" {
			return nil, errors.Newf("location %q has no bucket", location)
		}
		store, err := NewS3(s3cfg, u.Host)
		if err != nil {
			return nil, err
		}
		return WithPrefix(store, strings.Trim(u.Path, "/")), nil

	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = location
		}
		if dir == "" {
			return nil, errors.Newf("location %q has no path", location)
		}
		osFs := afero.NewOsFs()
		if err := osFs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory %s", dir)
		}
		return NewFS(afero.NewBasePathFs(osFs, dir)), nil

	case "mem":
		return NewFS(afero.NewMemMapFs()), nil

	default:
		return nil, errors.Newf("unsupported location scheme %q", u.Scheme)
	}
}

type prefixed struct {
	store  ObjectStore
	prefix string
}

// WithPrefix roots store at prefix. An empty prefix returns store unchanged.
func WithPrefix(store ObjectStore, prefix string) ObjectStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return store
	}
	return &prefixed{store: store, prefix: prefix + "/"}
}

func (p *prefixed) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return p.store.Put(ctx, p.prefix+key, data, contentType)
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Exists(ctx context.Context, key string) (bool, error) {
	return p.store.Exists(ctx, p.prefix+key)
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.store.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, p.prefix)
	}
	return keys, nil
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}
