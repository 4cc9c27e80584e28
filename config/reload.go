package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Reloadable keeps the config in sync with its file. Only the filter rules
// and the log level can change at runtime, everything else is fixed once
// the ring is published.
type Reloadable struct {
	path      string
	current   atomic.Value // *Config
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	reloading int32

	log *logrus.Entry
}

func NewReloadable(path string) (*Reloadable, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, errors.WithMessage(err, "initial config load")
	}

	r := &Reloadable{
		path:   path,
		stopCh: make(chan struct{}),
		log:    logrus.WithField("module", "config"),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	// the directory, editors often replace the file instead of writing it
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrap(err, "watch config directory")
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

func (r *Reloadable) Get() *Config {
	return r.current.Load().(*Config)
}

// Watch registers fn to run after every accepted reload.
func (r *Reloadable) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload reads the file again. A config that changes anything beyond the
// reloadable sections is rejected and the current one stays in place.
func (r *Reloadable) Reload() error {
	if !atomic.CompareAndSwapInt32(&r.reloading, 0, 1) {
		return errors.New("reload already in progress")
	}
	defer atomic.StoreInt32(&r.reloading, 0)

	newCfg, err := Load(r.path)
	if err != nil {
		return err
	}

	oldCfg := r.Get()
	if err = validateTransition(oldCfg, newCfg); err != nil {
		return err
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}

	r.log.Infof("config reloaded from %s", r.path)
	return nil
}

func validateTransition(old, new *Config) error {
	if old.Ring != new.Ring {
		return errors.New("ring change requires restart")
	}
	if old.DMA != new.DMA {
		return errors.New("dma change requires restart")
	}
	if old.Metrics != new.Metrics {
		return errors.New("metrics change requires restart")
	}
	if old.Engine.Type != new.Engine.Type ||
		old.Engine.Interface != new.Engine.Interface ||
		old.Engine.Program != new.Engine.Program ||
		old.Engine.FastRegionSize != new.Engine.FastRegionSize ||
		old.Engine.NumFrame != new.Engine.NumFrame ||
		old.Engine.SizeFrame != new.Engine.SizeFrame ||
		old.Engine.UseHugePage != new.Engine.UseHugePage ||
		old.Engine.HugePage1Gb != new.Engine.HugePage1Gb ||
		old.Engine.NeedWakeup != new.Engine.NeedWakeup ||
		!sameQueues(old.Engine.Queues, new.Engine.Queues) {
		return errors.New("engine change requires restart")
	}
	return nil
}

func sameQueues(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Reloadable) watchLoop() {
	name := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := r.Reload(); err != nil {
					r.log.WithError(err).Warn("config reload rejected")
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Error("config watcher error")
		case <-r.stopCh:
			return
		}
	}
}

// Close stops watching the file.
func (r *Reloadable) Close() error {
	close(r.stopCh)
	return r.watcher.Close()
}
