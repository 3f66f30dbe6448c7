package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"querymon/internal/logging"
)

// Snapshots publishes immutable configuration values. Jobs read Current()
// once at run start; a reload swaps the pointer atomically so in-flight runs
// never observe a torn config.
type Snapshots struct {
	current atomic.Pointer[Config]
	path    string
	logger  *logging.Logger

	mu   sync.Mutex
	subs []chan *Config
}

// NewSnapshots seeds the publisher with the startup configuration. path is
// the config file to watch for reloads (empty disables watching).
func NewSnapshots(initial *Config, path string, logger *logging.Logger) *Snapshots {
	s := &Snapshots{
		path:   path,
		logger: logger.WithFields(slog.String("component", "config")),
	}
	s.current.Store(initial)
	return s
}

// Current returns the latest published snapshot.
func (s *Snapshots) Current() *Config {
	return s.current.Load()
}

// Subscribe returns a channel receiving each newly published snapshot. The
// channel is buffered; a slow subscriber drops intermediate snapshots rather
// than blocking the publisher.
func (s *Snapshots) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Snapshots) publish(cfg *Config) {
	s.current.Store(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Reload re-reads the config file, validates it, and publishes on success.
// An invalid file is rejected and the previous snapshot retained.
func (s *Snapshots) Reload() error {
	cfg, err := LoadFile(s.path)
	if err != nil {
		s.logger.Error("config reload failed", slog.String("error", err.Error()))
		return err
	}
	validation := cfg.Validate()
	for _, warn := range validation.Warnings {
		s.logger.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
		)
	}
	if validation.HasErrors() {
		for _, e := range validation.Errors {
			s.logger.Error("configuration error",
				slog.String("field", e.Field),
				slog.String("message", e.Message),
				slog.String("hint", e.Hint),
			)
		}
		s.logger.Error("config reload rejected, keeping previous snapshot")
		return validation
	}

	s.publish(cfg)
	s.logger.Info("configuration reloaded", slog.Int("instances", len(cfg.Instances)))
	return nil
}

// Watch follows the config file with fsnotify and reloads on change. Editors
// typically rename-and-replace, so the parent directory is watched and
// events are debounced. Blocks until ctx is cancelled.
func (s *Snapshots) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	s.logger.Info("watching config file", slog.String("path", s.path))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-reload:
			// Errors are already logged; the previous snapshot stays active.
			_ = s.Reload()
		}
	}
}
