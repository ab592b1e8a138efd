// Package diskstore is the durable mapping from page identifier (and a
// small set of named artifacts) to byte blob. Writes go through a
// write-temp-then-rename path so each blob write is atomic even though
// writes across blobs are not — precisely the gap the double-write
// buffer (internal/dwb) closes.
package diskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/pkg/errors"
)

// Named artifacts persisted alongside pages.
const (
	ArtifactIndex   = "index"
	ArtifactRedoLog = "redo_log"
	ArtifactDWB     = "dwb"
)

const pagePrefix = "page_"

// Store is a durable, atomic-per-blob mapping of page_id/artifact name
// to bytes, rooted at a directory.
type Store struct {
	mu   sync.Mutex
	root string
}

// Open creates the root directory if needed and returns a Store rooted
// there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(enginerr.ErrIOError, "mkdir %s: %v", root, err)
	}
	return &Store{root: root}, nil
}

func pagePath(root string, id model.PageID) string {
	return filepath.Join(root, fmt.Sprintf("%s%d", pagePrefix, uint32(id)))
}

func artifactPath(root string, name string) string {
	return filepath.Join(root, name)
}

// ReadPage returns the page's bytes, or enginerr.ErrMissing if absent.
func (s *Store) ReadPage(id model.PageID) ([]byte, error) {
	return s.read(pagePath(s.root, id))
}

// WritePage atomically (over)writes a page's bytes.
func (s *Store) WritePage(id model.PageID, data []byte) error {
	return s.write(pagePath(s.root, id), data)
}

// ReadArtifact returns a named artifact's bytes, or enginerr.ErrMissing
// if it has never been written.
func (s *Store) ReadArtifact(name string) ([]byte, error) {
	return s.read(artifactPath(s.root, name))
}

// WriteArtifact atomically (over)writes a named artifact.
func (s *Store) WriteArtifact(name string, data []byte) error {
	return s.write(artifactPath(s.root, name), data)
}

func (s *Store) read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, enginerr.ErrMissing
		}
		return nil, errors.Wrapf(enginerr.ErrIOError, "read %s: %v", path, err)
	}
	return data, nil
}

// write stages data in a sibling temp file and renames it over the
// target, so a crash mid-write leaves either the old content or the new
// content, never a torn blob.
func (s *Store) write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(enginerr.ErrIOError, "open %s: %v", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(enginerr.ErrIOError, "write %s: %v", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(enginerr.ErrIOError, "sync %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(enginerr.ErrIOError, "close %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(enginerr.ErrIOError, "rename %s: %v", tmp, err)
	}
	return nil
}

// Flush is the durability barrier: on return, every prior write/rename
// survives process loss. Rename and file Sync already make individual
// blobs durable; Flush additionally fsyncs the containing directory,
// which POSIX requires for the rename itself to be crash-durable.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := os.Open(s.root)
	if err != nil {
		return errors.Wrapf(enginerr.ErrIOError, "open dir %s: %v", s.root, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		// Not all platforms support fsync on directories; best-effort.
		return nil
	}
	return nil
}

// Enumerate returns every page_id currently persisted, ascending.
func (s *Store) Enumerate() ([]model.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(enginerr.ErrIOError, "readdir %s: %v", s.root, err)
	}

	var ids []model.PageID
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, pagePrefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, pagePrefix), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, model.PageID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
