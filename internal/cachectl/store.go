package cachectl

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// DefaultPrefix marks cache directories this service may have created.
const DefaultPrefix = "lmvault-"

// Store is persistent cache storage addressed by cache name.
type Store interface {
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// DirStore treats every directory under Root whose name starts with Prefix
// as one cache. Anything else under Root is left alone.
type DirStore struct {
	Root   string
	Prefix string
}

func NewDirStore(root, prefix string) (*DirStore, error) {
	if root == "" {
		return nil, xerrors.New("cache root is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DirStore{Root: filepath.Clean(root), Prefix: prefix}, nil
}

// Names lists matching cache directories in sorted order. A missing root
// has no caches.
func (s *DirStore) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "list cache root %s", s.Root)
	}
	var out []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() && strings.HasPrefix(e.Name(), s.Prefix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes one cache directory and everything in it.
func (s *DirStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(name, s.Prefix) || name != filepath.Base(name) || name == "." || name == ".." {
		return xerrors.Newf("refusing to delete %q: not a cache name under %s", name, s.Root)
	}
	if err := os.RemoveAll(filepath.Join(s.Root, name)); err != nil {
		return xerrors.Wrapf(err, "delete cache %s", name)
	}
	return nil
}
