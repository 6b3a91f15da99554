package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirChannel stores artifacts as files under a root directory.
type DirChannel struct {
	root string
}

func NewDirChannel(root string) (*DirChannel, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, root, err)
	}
	return &DirChannel{root: root}, nil
}

func (c *DirChannel) path(key Key) string {
	return filepath.Join(c.root, key.Pipeline, key.Execution, key.Name)
}

// Put writes the artifact through a temporary file and renames it into place,
// so readers never observe a partial artifact.
func (c *DirChannel) Put(ctx context.Context, key Key, r io.Reader) (Ref, error) {
	if err := key.Validate(); err != nil {
		return Ref{}, err
	}
	dst := c.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+key.Name+".*")
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	d, tee := newDigest(r)
	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: tee}); err != nil {
		tmp.Close()
		return Ref{}, fmt.Errorf("%w: write %s: %v", ErrStorage, key.Path(), err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return d.ref(key), nil
}

func (c *DirChannel) Open(ctx context.Context, key Key) (io.ReadCloser, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key.Path())
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return f, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
