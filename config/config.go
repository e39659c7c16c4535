// Package config loads the ambient tunables for the five core daemons from
// a TOML file and can watch that file for edits, streaming freshly decoded
// Options to a caller-owned channel. None of this is consulted by the core
// packages themselves — per §6, "no configuration files, no environment
// variables" at the core level — it exists for an embedding application
// (an adapter's main package) that wants its daemons' periods, ports, and
// queue limits externally tunable without recompiling.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// BusConf holds the bus context's only externally tunable knob.
type BusConf struct {
	// MainAddress, if non-empty, is parsed and used as the node's identity
	// instead of the bus context's lazy first-connection default.
	MainAddress string `toml:"main-address"`
}

// SFRPConf holds the flood routing daemon's tunables.
type SFRPConf struct {
	HelloTimeMS int `toml:"hello-time-ms"`
	Port        int `toml:"port"`
}

// ClockSyncConf holds the clock-sync daemon's tunables.
type ClockSyncConf struct {
	UpdatePeriodMS int     `toml:"update-period-ms"`
	Gain           float64 `toml:"gain"`
	Port           int     `toml:"port"`
}

// BundleConf holds the bundle agent's tunables, including the
// HighWatermarkFraction knob the spec calls out as a preserved-but-tunable
// quirk (see agent.HighWatermarkFraction's doc comment).
type BundleConf struct {
	MaxBundles            int     `toml:"max-bundles"`
	DeferTimeMS           int     `toml:"defer-time-ms"`
	HighWatermarkFraction float64 `toml:"high-watermark-fraction"`
	Port                  int     `toml:"port"`
}

// LoggingConf mirrors the teacher's logConf block: the sirupsen/logrus
// level and formatter used across every daemon's structured logging.
type LoggingConf struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Options is the decoded form of the TOML configuration file: one block
// per tunable daemon, plus logging.
type Options struct {
	Logging     LoggingConf
	Bus         BusConf
	SFRP        SFRPConf
	ClockSync   ClockSyncConf `toml:"clock-sync"`
	BundleAgent BundleConf    `toml:"bundle-agent"`
}

// HelloTime returns the SFRP HELLO interval as a time.Duration, or def if
// unset.
func (o Options) HelloTime(def time.Duration) time.Duration {
	if o.SFRP.HelloTimeMS <= 0 {
		return def
	}
	return time.Duration(o.SFRP.HelloTimeMS) * time.Millisecond
}

// UpdatePeriod returns the clock-sync exchange base period, or def if unset.
func (o Options) UpdatePeriod(def time.Duration) time.Duration {
	if o.ClockSync.UpdatePeriodMS <= 0 {
		return def
	}
	return time.Duration(o.ClockSync.UpdatePeriodMS) * time.Millisecond
}

// DeferTime returns the bundle agent's defer interval, or def if unset.
func (o Options) DeferTime(def time.Duration) time.Duration {
	if o.BundleAgent.DeferTimeMS <= 0 {
		return def
	}
	return time.Duration(o.BundleAgent.DeferTimeMS) * time.Millisecond
}

// Load decodes the TOML configuration at path.
func Load(path string) (Options, error) {
	var opts Options
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return opts, nil
}

// Watcher streams freshly decoded Options to Changes whenever the
// underlying TOML file is rewritten, in the style of the teacher's
// dtn-tool file watcher (fsnotify.Watcher wrapped in its own goroutine and
// a close channel).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	Changes chan Options

	closeSyn chan struct{}
	closeAck chan struct{}
}

// NewWatcher starts watching path's directory for writes to path and
// decodes each one, publishing the result on Changes. Publishing never
// blocks: if the previous Options is still unread, the new one is
// discarded. The watcher goroutine runs until Close is called.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}

	dir := dirOf(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %q: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		Changes:  make(chan Options, 1),
		closeSyn: make(chan struct{}),
		closeAck: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.closeAck)
	for {
		select {
		case <-w.closeSyn:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			opts, err := Load(w.path)
			if err != nil {
				log.WithFields(log.Fields{
					"component": "config",
					"err":       err,
				}).Warn("failed to reload config after change")
				continue
			}
			select {
			case w.Changes <- opts:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"component": "config",
				"err":       err,
			}).Warn("config watcher error")
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.closeSyn)
	<-w.closeAck
	return w.watcher.Close()
}

// dirOf returns the directory portion of path, using the last '/' the way
// the teacher's exchange.go resolves its watch directory, to avoid pulling
// in path/filepath for a single split.
func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
