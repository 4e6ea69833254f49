package credential

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/veil/internal/logger"
)

// reloadDebounce coalesces the burst of events editors and cert managers
// produce when replacing a file.
const reloadDebounce = 250 * time.Millisecond

// Store holds the current Credential snapshot. Readers never block: the
// snapshot is swapped atomically on reload.
//
// Thread Safety: All methods are safe for concurrent use.
type Store struct {
	provider Provider
	current  atomic.Pointer[Credential]
	reloads  atomic.Uint64

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	onReload func(*Credential)
}

// NewStore loads the first snapshot from p.
func NewStore(ctx context.Context, p Provider) (*Store, error) {
	c, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	s := &Store{provider: p}
	s.current.Store(c)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Credential {
	return s.current.Load()
}

// Provider returns the provider backing the store.
func (s *Store) Provider() Provider {
	return s.provider
}

// Reloads returns how many snapshots replaced the initial one.
func (s *Store) Reloads() uint64 {
	return s.reloads.Load()
}

// OnReload registers a callback invoked after each successful reload.
func (s *Store) OnReload(fn func(*Credential)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Reload asks the provider for a new snapshot. On failure the previous
// snapshot stays active.
func (s *Store) Reload(ctx context.Context) error {
	c, err := s.provider.Load(ctx)
	if err != nil {
		return err
	}
	s.current.Store(c)
	s.reloads.Add(1)

	s.mu.Lock()
	fn := s.onReload
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return nil
}

// GetCertificate serves the current certificate to crypto/tls.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.Current().Certificate(), nil
}

// TLSConfig returns a TLS 1.3 server configuration resolving certificates
// from the store.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: s.GetCertificate,
		NextProtos:     s.Current().ALPN(),
	}
}

// Watch reloads the credential whenever one of the provider's files
// changes, until ctx is cancelled or Close is called. Parent directories
// are watched so atomic renames are seen.
func (s *Store) Watch(ctx context.Context) error {
	paths := s.provider.Paths()
	if len(paths) == 0 {
		return fmt.Errorf("provider %q has no files to watch", s.provider.Name())
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	var dirs []string
	targets := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return err
		}
		targets[abs] = struct{}{}
		if dir := filepath.Dir(abs); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = w.Close()
		return fmt.Errorf("already watching")
	}
	s.watcher = w
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	logger.Info("Certificate hot-reload started", "files", paths)
	go s.watchLoop(ctx, w, targets, done)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, targets map[string]struct{}, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if _, watched := targets[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			before := s.Current().Fingerprint()
			if err := s.Reload(ctx); err != nil {
				logger.Error("Certificate reload failed; keeping previous certificate", logger.Err(err))
				continue
			}
			logger.Info("Certificate reloaded",
				"previous_fingerprint", before,
				"fingerprint", s.Current().Fingerprint())

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("Certificate watcher error", logger.Err(err))
		}
	}
}

// Close stops watching. It is safe to call on a store that never watched.
func (s *Store) Close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
