// Package config loads and optionally hot-reloads the tuning parameters for
// a WorkerPool, its ImageCache, and its ImageProcessor, the way
// policy-service watches its rule directory: a debounced fsnotify watch on
// one file, re-parsed into a fresh struct and handed to a callback rather
// than mutated in place.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmguard/workerpool/internal/cache"
)

// PoolConfig is the JSON-serializable shape of WorkerPool tuning parameters.
// It mirrors pool.Config's non-callback fields; UnitFactory cannot be
// expressed in config and is always supplied by the process wiring it up.
type PoolConfig struct {
	MinUnits      int    `json:"minUnits"`
	MaxUnits      int    `json:"maxUnits"`
	IdleTimeoutMs int64  `json:"idleTimeoutMs"`
	DefaultKind   string `json:"defaultKind"`

	MaxQueueSize int `json:"maxQueueSize"`

	DefaultTimeoutMs        int64 `json:"defaultTimeoutMs"`
	DefaultMaxRetries       int   `json:"defaultMaxRetries"`
	DefaultRetryDelayBaseMs int64 `json:"defaultRetryDelayBaseMs"`
	DefaultMaxBackoffMs     int64 `json:"defaultMaxBackoffMs"`
	DefaultMaxJitterMs      int64 `json:"defaultMaxJitterMs"`

	ReapIntervalMs    int64   `json:"reapIntervalMs"`
	BreakerMinSamples int     `json:"breakerMinSamples"`
	BreakerFailRate   float64 `json:"breakerFailRate"`
	BreakerCooldownMs int64   `json:"breakerCooldownMs"`

	SubmitRateLimit SubmitRateLimitConfig `json:"submitRateLimit"`
}

// SubmitRateLimitConfig mirrors pool.Config.SubmitRateLimit. RatePerSecond
// <= 0 disables the limiter entirely.
type SubmitRateLimitConfig struct {
	RatePerSecond float64 `json:"ratePerSecond"`
	Burst         int64   `json:"burst"`
	WindowMs      int64   `json:"windowMs"`
	MaxPerWindow  int64   `json:"maxPerWindow"`
}

// CacheConfig is the JSON-serializable shape of ImageCache tuning
// parameters.
type CacheConfig struct {
	MaxEntries          int    `json:"maxEntries"`
	MaxMemoryBytes      int64  `json:"maxMemoryBytes"`
	MaxPersistentBytes  int64  `json:"maxPersistentBytes"`
	StorageType         string `json:"storageType"`
	PersistentNamespace string `json:"persistentNamespace"`
	DBPath              string `json:"dbPath"`
}

// ProcessorConfig combines pool and cache tuning plus the image-specific
// knobs ImageProcessor needs.
type ProcessorConfig struct {
	Pool  PoolConfig  `json:"pool"`
	Cache CacheConfig `json:"cache"`

	UseCache          bool      `json:"useCache"`
	UseDiscreteScales bool      `json:"useDiscreteScales"`
	DiscreteScales    []float64 `json:"discreteScales"`
}

// AsDurations converts the wire shape's millisecond fields into their
// time.Duration equivalents.
func (p PoolConfig) AsDurations() (idleTimeout, retryDelayBase, maxBackoff, maxJitter, reapInterval, breakerCooldown time.Duration) {
	return time.Duration(p.IdleTimeoutMs) * time.Millisecond,
		time.Duration(p.DefaultRetryDelayBaseMs) * time.Millisecond,
		time.Duration(p.DefaultMaxBackoffMs) * time.Millisecond,
		time.Duration(p.DefaultMaxJitterMs) * time.Millisecond,
		time.Duration(p.ReapIntervalMs) * time.Millisecond,
		time.Duration(p.BreakerCooldownMs) * time.Millisecond
}

// AsCacheConfig converts the wire shape into a cache.Config.
func (c CacheConfig) AsCacheConfig() cache.Config {
	return cache.Config{
		MaxEntries:          c.MaxEntries,
		MaxMemoryBytes:      c.MaxMemoryBytes,
		MaxPersistentBytes:  c.MaxPersistentBytes,
		StorageType:         cache.StorageType(c.StorageType),
		PersistentNamespace: c.PersistentNamespace,
		DBPath:              c.DBPath,
	}
}

// Load reads and parses a ProcessorConfig from path.
func Load(path string) (ProcessorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessorConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg ProcessorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProcessorConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher watches one config file and re-parses it on change, debounced so
// a burst of writes (an editor's save-as-temp-then-rename, say) produces one
// reload rather than several partial ones.
type Watcher struct {
	path     string
	debounce time.Duration

	mu  sync.Mutex
	cur ProcessorConfig
}

// NewWatcher loads path once and returns a Watcher primed with the result.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{path: path, debounce: debounce, cur: cfg}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() ProcessorConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Watch blocks until stop is closed, invoking onReload every time path is
// rewritten and successfully re-parses. A failed reload calls onReload with
// the previous config untouched and the error set; the caller decides
// whether that is fatal.
func (w *Watcher) Watch(stop <-chan struct{}, onReload func(ProcessorConfig, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onReload != nil {
				onReload(w.Current(), err)
			}
		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				if onReload != nil {
					onReload(w.Current(), err)
				}
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			if onReload != nil {
				onReload(cfg, nil)
			}
		}
	}
}
