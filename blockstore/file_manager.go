package blockstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgerwatch/log/v3"
)

// FileBlockManager is a file-per-block implementation of Manager: each
// sealed block is one regular file under dir, named by its BlockID, with
// blocks sharded into one level of subdirectories named by the first four
// characters of the id to keep any one directory from growing unbounded.
//
// A log-structured, container-file-backed manager (many blocks per
// physical file, as Kudu's LogBlockManager does) is the production
// alternative; this module models only the simpler container per spec.md
// §6's "content-addressed block store" and leaves the log-grouped variant
// as an external Manager implementation behind the same interface.
type FileBlockManager struct {
	dir string
}

func NewFileBlockManager(dir string) (*FileBlockManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create root dir: %w", err)
	}
	return &FileBlockManager{dir: dir}, nil
}

func (m *FileBlockManager) pathFor(id BlockID) string {
	s := string(id)
	shard := "xx"
	if len(s) >= 4 {
		shard = s[:4]
	}
	return filepath.Join(m.dir, shard, s)
}

func (m *FileBlockManager) Has(id BlockID) (bool, error) {
	_, err := os.Stat(m.pathFor(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (m *FileBlockManager) Get(id BlockID) ([]byte, error) {
	data, err := os.ReadFile(m.pathFor(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: read block %s: %w", id, err)
	}
	return data, nil
}

func (m *FileBlockManager) Delete(id BlockID) error {
	if err := os.Remove(m.pathFor(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("blockstore: delete block %s: %w", id, err)
	}
	return nil
}

func (m *FileBlockManager) Close() error { return nil }

// Create returns a Writer that buffers into a temp file and atomically
// renames it into place on Finish, so a crash mid-write never leaves a
// partially-written block visible under a real BlockID.
func (m *FileBlockManager) Create() (Writer, error) {
	tmp, err := os.CreateTemp(m.dir, "blk-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("blockstore: create temp block: %w", err)
	}
	return &fileWriter{mgr: m, f: tmp}, nil
}

type fileWriter struct {
	mgr  *FileBlockManager
	f    *os.File
	done bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("blockstore: write after finish/abandon")
	}
	return w.f.Write(p)
}

func (w *fileWriter) Finish() (BlockID, error) {
	if w.done {
		return "", fmt.Errorf("blockstore: already finished")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return "", fmt.Errorf("blockstore: fsync block: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return "", fmt.Errorf("blockstore: close block: %w", err)
	}
	id := newBlockID()
	dst := w.mgr.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(w.f.Name())
		return "", fmt.Errorf("blockstore: create shard dir: %w", err)
	}
	if err := os.Rename(w.f.Name(), dst); err != nil {
		os.Remove(w.f.Name())
		return "", fmt.Errorf("blockstore: seal block: %w", err)
	}
	return id, nil
}

func (w *fileWriter) Abandon() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !os.IsNotExist(err) {
		log.Warn("[blockstore] abandon temp block", "path", w.f.Name(), "err", err)
		return err
	}
	return nil
}
