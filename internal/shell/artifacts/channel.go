// Package artifacts stores the opaque, named outputs that actions hand to
// later actions. Artifacts are versioned by execution ID.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
	ErrStorage     = errors.New("artifact storage failed")
)

// Key addresses one artifact version.
type Key struct {
	Pipeline  string
	Execution string
	Name      string
}

// Path returns "<pipeline>/<execution>/<name>".
func (k Key) Path() string {
	return k.Pipeline + "/" + k.Execution + "/" + k.Name
}

// Validate rejects keys that would escape their execution prefix.
func (k Key) Validate() error {
	for _, part := range []string{k.Pipeline, k.Execution, k.Name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidName, k.Path())
		}
	}
	return nil
}

// Ref describes a stored artifact.
type Ref struct {
	Key    Key    `json:"-"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Channel stores and retrieves artifacts.
type Channel interface {
	Put(ctx context.Context, key Key, r io.Reader) (Ref, error)
	Open(ctx context.Context, key Key) (io.ReadCloser, error)
}

// digest wraps r so that reading it computes the size and SHA-256.
type digest struct {
	hasher  hash.Hash
	counter *countingWriter
}

func newDigest(r io.Reader) (*digest, io.Reader) {
	d := &digest{hasher: sha256.New(), counter: &countingWriter{}}
	return d, io.TeeReader(r, io.MultiWriter(d.hasher, d.counter))
}

func (d *digest) ref(key Key) Ref {
	return Ref{Key: key, Path: key.Path(), Size: d.counter.n, SHA256: hex.EncodeToString(d.hasher.Sum(nil))}
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
