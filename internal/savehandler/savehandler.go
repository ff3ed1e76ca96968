// Package savehandler writes a completed transfer's bytes to disk and
// confirms the write actually landed there before the Transfer Engine
// reports the transfer as completed.
//
// Confirmation waits on a single fsnotify Create/Write event for the file
// just written, with a timeout fallback to a plain os.Stat check for
// filesystems that don't notify reliably (network shares, some container
// overlays).
package savehandler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler writes received file payloads under a root directory and
// confirms each write landed on disk.
type Handler struct {
	root           string
	confirmTimeout time.Duration
	watcher        *fsnotify.Watcher
}

// New creates the save directory if it doesn't exist and starts an
// fsnotify watcher on it. confirmTimeout bounds how long Save waits for a
// write confirmation event before falling back to os.Stat.
func New(root string, confirmTimeout time.Duration) (*Handler, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("savehandler: create root %s: %w", root, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("savehandler: create fsnotify watcher: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, fmt.Errorf("savehandler: watch root %s: %w", root, err)
	}

	return &Handler{root: root, confirmTimeout: confirmTimeout, watcher: w}, nil
}

// Close stops the underlying fsnotify watcher.
func (h *Handler) Close() error {
	return h.watcher.Close()
}

// Save writes data to relPath under the handler's root (creating any
// intervening directories for folder transfers) and blocks until the write
// is confirmed on disk, either via an fsnotify event or, if none arrives in
// time, a direct stat. It satisfies engine.SaveHandler's signature.
func (h *Handler) Save(relPath string, data []byte) error {
	dest := filepath.Join(h.root, filepath.FromSlash(relPath))
	if !withinRoot(h.root, dest) {
		return fmt.Errorf("savehandler: refusing to write outside root: %s", relPath)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("savehandler: create parent dir for %s: %w", relPath, err)
	}

	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("savehandler: write %s: %w", relPath, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("savehandler: finalize %s: %w", relPath, err)
	}

	return h.confirm(dest, int64(len(data)))
}

// confirm waits for an fsnotify Create or Write event naming dest, falling
// back to a stat-based check once confirmTimeout elapses.
func (h *Handler) confirm(dest string, wantSize int64) error {
	deadline := time.NewTimer(h.confirmTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return h.statConfirm(dest, wantSize)
			}
			if filepath.Clean(ev.Name) != filepath.Clean(dest) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				return h.statConfirm(dest, wantSize)
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return h.statConfirm(dest, wantSize)
			}
			return fmt.Errorf("savehandler: watcher error: %w", err)
		case <-deadline.C:
			return h.statConfirm(dest, wantSize)
		}
	}
}

func (h *Handler) statConfirm(dest string, wantSize int64) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("savehandler: confirm %s: %w", dest, err)
	}
	if info.Size() != wantSize {
		return fmt.Errorf("savehandler: %s landed with size %d, expected %d", dest, info.Size(), wantSize)
	}
	return nil
}

func withinRoot(root, dest string) bool {
	root = filepath.Clean(root)
	dest = filepath.Clean(dest)
	rel, err := filepath.Rel(root, dest)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	sep := string(filepath.Separator)
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+sep
}
