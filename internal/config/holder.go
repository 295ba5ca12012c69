package config

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Holder keeps the current configuration and reloads it from disk on file
// changes or SIGHUP. Only the policies and the log level take effect without
// a restart; listeners decide what to apply.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	log      zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config) error
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHolder(path string, log zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "absolute config path")
	}
	return &Holder{
		config: cfg,
		path:   abs,
		log:    log,
		stopCh: make(chan struct{}),
	}, nil
}

func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// OnChange registers fn to run after a reload parsed successfully. If any
// listener rejects the new config, the previous one stays current.
func (h *Holder) OnChange(fn func(*Config) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload reads the file again. A file that fails to load or that a listener
// rejects leaves the running configuration untouched.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.log.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping current config")
		return err
	}

	h.mu.RLock()
	prev := h.config
	listeners := append([]func(*Config) error(nil), h.onChange...)
	h.mu.RUnlock()

	for _, fn := range listeners {
		if err := fn(next); err != nil {
			h.log.Error().Err(err).Str("path", h.path).Msg("config rejected, keeping current config")
			return errors.WithMessage(err, "apply reloaded config")
		}
	}

	h.mu.Lock()
	h.config = next
	h.mu.Unlock()

	h.logChanges(prev, next)
	return nil
}

// WatchFile reloads whenever the file is written or replaced. The directory
// is watched so editors that save by rename are seen too.
func (h *Holder) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "watch config directory")
	}
	h.watcher = w
	go h.watchLoop()
	h.log.Info().Str("path", h.path).Msg("watching config for policy changes")
	return nil
}

func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				h.log.Info().Msg("SIGHUP: reloading config")
				_ = h.Reload()
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			_ = h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop() {
	name := filepath.Base(h.path)
	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			h.log.Debug().Str("event", ev.Op.String()).Msg("config file changed")
			_ = h.Reload()

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Error().Err(err).Msg("config watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(prev, next *Config) {
	ev := h.log.Info().Int("policies", len(next.Policies))
	if prev.Log.Level != next.Log.Level {
		ev = ev.Str("log_level", next.Log.Level)
	}
	if prev.Store != next.Store || prev.Server.Addr != next.Server.Addr {
		h.log.Warn().Msg("store and server settings changed on disk; they apply after a restart")
	}
	ev.Msg("configuration reloaded")
}
