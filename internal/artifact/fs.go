package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// FSStore keeps artifacts as files in a single directory.
type FSStore struct {
	dir string
}

// NewFSStore creates dir if needed and returns a store rooted there.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the scratch directory.
func (s *FSStore) Dir() string {
	return s.dir
}

// Put writes t atomically: a temp file in the same directory is renamed
// into place, so a reader never sees a partial artifact.
func (s *FSStore) Put(ctx context.Context, key string, t *core.Table) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := Encode(tmp, t); err != nil {
		tmp.Close()
		return fmt.Errorf("encode artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename artifact %s: %w", key, err)
	}
	return nil
}

// Get reads the artifact stored under key.
func (s *FSStore) Get(ctx context.Context, key string) (*core.Table, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrArtifactNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return Decode(bytes.NewReader(data))
}

// Delete removes the artifact stored under key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", core.ErrArtifactNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("remove artifact %s: %w", key, err)
	}
	return nil
}

// List returns every artifact in the directory. Temp files and anything
// without the artifact extension are ignored.
func (s *FSStore) List(ctx context.Context) ([]core.ArtifactInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}

	var out []core.ArtifactInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, core.ArtifactInfo{
			Key:     strings.TrimSuffix(name, Extension),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

func (s *FSStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+Extension), nil
}

// validKey rejects keys that could escape the store's root.
func validKey(key string) error {
	if key == "" || key == "." || key == ".." ||
		strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	return nil
}
