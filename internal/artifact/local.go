package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes artifacts below a root directory
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		root = DefaultConfig().Root
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(ctx context.Context, key Key, data []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	p := key.Path()
	fullPath := filepath.Join(s.root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Handle{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Handle{}, fmt.Errorf("write artifact %s: %w", p, err)
	}

	return Handle{Path: p, Format: key.Format}, nil
}

func (s *LocalStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(h.Path)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", h.Path, err)
	}
	return data, nil
}
