package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/facepipe/frameserver/internal/servicelog"
)

// Watcher watches a config file for writes and reloads it, handing the
// new Config to an observer callback. Only fields safe to change at
// runtime should be consumed by the callback; most of Config is read
// once at startup and the process is expected to restart for the rest.
type Watcher struct {
	logger   servicelog.Logger
	path     string
	fsw      *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching path and calls onChange with the newly
// loaded and checked Config on every write or create event. Parse or
// validation failures are logged and the previous configuration is
// kept in effect.
func NewWatcher(logger servicelog.Logger, path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		logger:   logger.Named("ConfigWatcher"),
		path:     path,
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("reloaded config is invalid, keeping previous configuration", servicelog.Error(err))
				continue
			}
			w.logger.Info("config reloaded", servicelog.String("path", w.path))
			w.onChange(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", servicelog.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
