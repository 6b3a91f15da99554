// Package source turns a source tree into the archive artifact that starts
// every pipeline execution.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DomainRevision prefixes tree revision hashes.
const DomainRevision = "sampipe/source/v1"

// DefaultIgnore lists directory names never archived.
var DefaultIgnore = []string{".git", "node_modules", ".sampipe"}

// Fetcher produces source archives.
type Fetcher interface {
	// Revision identifies the current state of the source.
	Revision(ctx context.Context) (string, error)

	// Fetch writes a tar.gz of the source at ref to w and returns the
	// revision archived. An empty ref means the current state.
	Fetch(ctx context.Context, ref string, w io.Writer) (string, error)
}

// DirFetcher archives a checked-out directory.
type DirFetcher struct {
	root   string
	ignore map[string]bool
}

func NewDirFetcher(root string, ignore []string) (*DirFetcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}
	if ignore == nil {
		ignore = DefaultIgnore
	}
	set := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		set[name] = true
	}
	return &DirFetcher{root: root, ignore: set}, nil
}

func (f *DirFetcher) Root() string { return f.root }

// Revision hashes every archived path, mode and content.
func (f *DirFetcher) Revision(ctx context.Context) (string, error) {
	paths, err := walkTree(f.root, f.ignore)
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", f.root, err)
	}

	h := sha256.New()
	h.Write([]byte(DomainRevision))
	h.Write([]byte{0x00})
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		full := filepath.Join(f.root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode().Perm())
		if info.IsDir() {
			continue
		}
		if err := copyFile(h, full); err != nil {
			return "", err
		}
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

// Fetch archives the tree as it is now. A directory holds a single checkout,
// so ref is only recorded by the caller.
func (f *DirFetcher) Fetch(ctx context.Context, ref string, w io.Writer) (string, error) {
	rev, err := f.Revision(ctx)
	if err != nil {
		return "", err
	}
	if err := Archive(ctx, w, f.root, f.ignore); err != nil {
		return "", err
	}
	return rev, nil
}
