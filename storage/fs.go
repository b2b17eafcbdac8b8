package storage

import (
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const tmpMarker = ".tmp-"

// FS stores objects as files. Keys are slash separated and always resolved
// from the filesystem root.
type FS struct {
	fs afero.Fs
}

var _ ObjectStore = (*FS)(nil)

func NewFS(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

func objectPath(key string) string {
	return path.Join("/", key)
}

// Put writes to a temporary sibling and renames it into place, so readers
// never see a partially written object.
func (f *FS) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p := objectPath(key)
	if err := f.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", key)
	}

	tmp := p + tmpMarker + uuid.NewString()
	if err := f.writeSynced(tmp, data); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "write %s", key)
	}

	if err := f.fs.Rename(tmp, p); err != nil {
		_ = f.fs.Remove(tmp)
		return errors.Wrapf(err, "rename into %s", key)
	}

	return nil
}

func (f *FS) writeSynced(name string, data []byte) error {
	file, err := f.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(f.fs, objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return data, nil
}

func (f *FS) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	info, err := f.fs.Stat(objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", key)
	}
	return !info.IsDir(), nil
}

func (f *FS) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := objectPath(prefix)
	if !strings.HasSuffix(prefix, "/") {
		root = path.Dir(root)
	}

	if _, err := f.fs.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var keys []string
	err := afero.Walk(f.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.Contains(path.Base(p), tmpMarker) {
			return nil
		}

		key := strings.TrimPrefix(path.Clean("/"+p), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}

	sort.Strings(keys)
	return keys, nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := f.fs.Remove(objectPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}
