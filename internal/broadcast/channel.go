package broadcast

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrEmpty is returned by Channel.Read when nothing was published yet.
var ErrEmpty = errors.New("no snapshot published")

// Channel is the shared medium between execution contexts: one named blob
// plus a change notification.
type Channel interface {
	// Write replaces the blob and notifies watchers.
	Write(ctx context.Context, blob []byte) error

	// Read returns the current blob, or ErrEmpty.
	Read(ctx context.Context) ([]byte, error)

	// Watch delivers every blob written after the call, including the
	// caller's own. The channel is closed when ctx is cancelled or the
	// Channel is closed.
	Watch(ctx context.Context) (<-chan []byte, error)

	Close() error
}

// DefaultFileName is the blob's name inside a FileChannel directory.
const DefaultFileName = "crewsync-snapshot.json"

// FileChannel stores the blob as a file in a directory shared by every
// context on the device. Writes are atomic (temp file plus rename) and
// watchers are notified through fsnotify.
type FileChannel struct {
	dir  string
	name string

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
	closed   bool
}

// NewFileChannel returns a channel for dir, creating it if needed.
func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create broadcast directory: %w", err)
	}
	return &FileChannel{dir: dir, name: DefaultFileName}, nil
}

// Path returns the blob's path.
func (fc *FileChannel) Path() string {
	return filepath.Join(fc.dir, fc.name)
}

func (fc *FileChannel) Write(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fc.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, fc.Path()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

func (fc *FileChannel) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(fc.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (fc *FileChannel) Watch(ctx context.Context) (<-chan []byte, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil, fmt.Errorf("channel closed")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(fc.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", fc.dir, err)
	}
	fc.watchers = append(fc.watchers, w)

	out := make(chan []byte, 16)
	go fc.processEvents(ctx, w, out)
	return out, nil
}

// processEvents turns fsnotify events on the blob into blob deliveries.
func (fc *FileChannel) processEvents(ctx context.Context, w *fsnotify.Watcher, out chan<- []byte) {
	defer close(out)
	defer func() { _ = w.Close() }()

	target := fc.Path()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// A rename onto the target shows up as Create.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			data, err := os.ReadFile(target)
			if err != nil || len(data) == 0 {
				continue
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}

		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops every watcher.
func (fc *FileChannel) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	for _, w := range fc.watchers {
		_ = w.Close()
	}
	fc.watchers = nil
	return nil
}

var _ Channel = (*FileChannel)(nil)
