package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/clip-tender/highlight"
)

// LoadDetectorFile reads detector tuning from a YAML file. Unset fields take
// the detector defaults; unknown keys are rejected so typos surface. An empty
// path returns the defaults.
func LoadDetectorFile(path string) (highlight.Config, error) {
	if path == "" {
		return highlight.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return highlight.Config{}, fmt.Errorf("read detector config: %w", err)
	}
	return ParseDetector(data)
}

// ParseDetector decodes a YAML detector document over the defaults and
// validates it. Keys left out keep their default; keys set to 0 stay 0.
func ParseDetector(data []byte) (highlight.Config, error) {
	cfg := highlight.DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return highlight.Config{}, fmt.Errorf("parse detector config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return highlight.Config{}, fmt.Errorf("invalid detector config: %w", err)
	}
	return cfg, nil
}

// DetectorSource serves the current detector config and swaps it when the
// backing file changes. A reload that fails to parse keeps the previous value.
type DetectorSource struct {
	path    string
	current atomic.Pointer[highlight.Config]
	onLoad  func(highlight.Config)
}

// NewDetectorSource loads path once. onLoad, if non-nil, is called after
// every successful reload.
func NewDetectorSource(path string, onLoad func(highlight.Config)) (*DetectorSource, error) {
	cfg, err := LoadDetectorFile(path)
	if err != nil {
		return nil, err
	}
	s := &DetectorSource{path: path, onLoad: onLoad}
	s.current.Store(&cfg)
	return s, nil
}

// Current returns the active config.
func (s *DetectorSource) Current() highlight.Config { return *s.current.Load() }

// Path returns the watched file, empty when defaults are in use.
func (s *DetectorSource) Path() string { return s.path }

// Reload re-reads the file now.
func (s *DetectorSource) Reload() (highlight.Config, error) {
	cfg, err := LoadDetectorFile(s.path)
	if err != nil {
		return s.Current(), err
	}
	s.current.Store(&cfg)
	if s.onLoad != nil {
		s.onLoad(cfg)
	}
	return cfg, nil
}

// Watch reloads the config whenever the file is written or replaced, with a
// short debounce so editors that write in several steps trigger one reload.
// It returns immediately; the watcher stops when ctx is done. Without a path
// there is nothing to watch.
func (s *DetectorSource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// watch the directory so atomic rename-over saves are seen
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)
	logger := slog.Default().With(slog.String("component", "detector_config"))

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				cfg, err := s.Reload()
				if err != nil {
					logger.Error("detector config reload failed, keeping previous", slog.Any("err", err))
					continue
				}
				logger.Info("detector config reloaded",
					slog.Float64("spike_multiplier", cfg.SpikeMultiplier),
					slog.Int64("merge_gap_ms", cfg.MergeGapMs))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watch error", slog.Any("err", err))
			}
		}
	}()
	return nil
}
