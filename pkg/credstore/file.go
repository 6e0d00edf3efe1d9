package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDelay = 100 * time.Millisecond

// FileStore keeps credentials in a JSON file and reloads them when the file
// changes on disk, so several processes sharing a path converge on the
// latest write.
type FileStore struct {
	path        string
	reloadDelay time.Duration
	onReload    func()
	logger      *slog.Logger

	mu     sync.RWMutex
	values map[Key]string
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type FileOption func(*FileStore)

// WithReloadDelay sets how long change events are coalesced before a reload.
func WithReloadDelay(d time.Duration) FileOption {
	return func(s *FileStore) { s.reloadDelay = d }
}

// WithReloadHook registers fn to run after every reload from disk.
func WithReloadHook(fn func()) FileOption {
	return func(s *FileStore) { s.onReload = fn }
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore loads path (a missing file is an empty store) and starts
// watching its directory.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		path:        path,
		reloadDelay: defaultReloadDelay,
		logger:      slog.Default(),
		values:      make(map[Key]string),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	values, err := readCredentialFile(path)
	if err != nil {
		return nil, err
	}
	s.values = values

	if err := s.watch(); err != nil {
		return nil, fmt.Errorf("failed to watch credential file: %w", err)
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key Key) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *FileStore) Apply(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	next := maps.Clone(s.values)
	batch.applyTo(next)
	if err := writeCredentialFile(s.path, next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	return s.watcher.Close()
}

func (s *FileStore) reload() {
	values, err := readCredentialFile(s.path)
	if err != nil {
		s.logger.Error("credential file reload failed", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.values = values
	s.mu.Unlock()

	if s.onReload != nil {
		s.onReload()
	}
}

// watch observes the parent directory: writes replace the file by rename,
// which a watch on the file itself would lose.
func (s *FileStore) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	reload := make(chan struct{}, 1)
	go s.scheduleReload(reload)
	go s.handleWatcher(reload)
	return nil
}

func (s *FileStore) handleWatcher(reload chan<- struct{}) {
	name := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("credential watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *FileStore) scheduleReload(reload <-chan struct{}) {
	var timer *time.Timer
	var c <-chan time.Time
	for {
		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(s.reloadDelay)
			} else {
				timer = time.NewTimer(s.reloadDelay)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			s.reload()
		}
	}
}

func readCredentialFile(path string) (map[Key]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[Key]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	values := make(map[Key]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse credential file '%s': %w", path, err)
	}
	return values, nil
}

func writeCredentialFile(path string, values map[Key]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create credential temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
