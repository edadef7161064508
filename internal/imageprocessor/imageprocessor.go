// Package imageprocessor implements ImageProcessor: a thin, cache-aware
// facade over WorkerPool specialized for image jobs. It contains no
// rendering logic of its own — it fingerprints and times the work, and
// trusts the executing unit to actually produce pixels.
package imageprocessor

import (
	"sync"
	"time"

	"github.com/swarmguard/workerpool/internal/cache"
	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/eventhub"
	"github.com/swarmguard/workerpool/internal/obs/logging"
	"github.com/swarmguard/workerpool/internal/pool"
	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/internal/unit"
)

// Config tunes an ImageProcessor and the WorkerPool/ImageCache it owns.
type Config struct {
	UnitFactory  unit.Factory
	DefaultKind  string
	MinUnits     int
	MaxUnits     int
	IdleTimeout  time.Duration
	MaxQueueSize int

	DefaultTimeoutMs int64
	MaxRetries       int
	RetryDelayBase   time.Duration
	MaxBackoffDelay  time.Duration
	MaxJitter        time.Duration

	UseCache          bool
	CacheStorageType  cache.StorageType
	CacheOptions      cache.Config
	UseDiscreteScales bool
	DiscreteScales    []float64

	SubmitRateLimit pool.SubmitRateLimitConfig
}

func (c *Config) setDefaults() {
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 10_000
	}
	if c.DiscreteScales == nil {
		c.DiscreteScales = cache.DefaultDiscreteScales
	}
	if c.CacheStorageType == "" {
		c.CacheStorageType = cache.Both
	}
}

// Lossless formats pay a fixed penalty over the byte-size-derived timeout;
// high-efficiency formats that do more decode work per byte get a credit.
// Neither list claims to be exhaustive, only the formats this runtime has
// actually been asked to schedule for.
var losslessFormats = map[string]bool{
	"png":  true,
	"bmp":  true,
	"tiff": true,
	"gif":  true,
}

var highEfficiencyFormats = map[string]bool{
	"avif": true,
	"heic": true,
	"webp": true,
}

const minAdjustedTimeout = 5 * time.Second

// TimeoutStats summarizes the adjusted timeouts this processor has computed.
type TimeoutStats struct {
	Count int64
	MinMs int64
	MaxMs int64
	SumMs int64
}

// ProcessRequest describes one image job to submit.
type ProcessRequest struct {
	SourceURL        string
	Bytes            []byte
	ByteLen          int // used when Bytes is nil but the caller knows the size
	MimeType         string
	Format           string // "png", "jpeg", "webp", "avif", ...
	OriginalWidth    int
	OriginalHeight   int
	TargetWidth      int
	TargetHeight     int
	DevicePixelRatio float64
	Options          cache.Options
	Priority         task.Priority
	UnitKind         string
	Tags             []string
}

// ProcessResult is delivered exactly once per Process call.
type ProcessResult struct {
	TaskID      string
	Fingerprint string
	CacheHit    bool
	Output      map[string]any
	Err         error
}

// ImageProcessor submits image work to a WorkerPool it owns, consulting and
// populating an ImageCache along the way.
type ImageProcessor struct {
	cfg  Config
	pool *pool.WorkerPool
	log  interface {
		Warn(msg string, args ...any)
	}

	mu           sync.Mutex
	cache        *cache.ImageCache
	cacheEnabled bool
	timeoutStats TimeoutStats
}

// New constructs an ImageProcessor and the WorkerPool and (if enabled)
// ImageCache it owns.
func New(cfg Config) (*ImageProcessor, error) {
	cfg.setDefaults()

	p := &ImageProcessor{
		cfg:          cfg,
		log:          logging.Named("imageprocessor"),
		cacheEnabled: cfg.UseCache,
	}

	p.pool = pool.New(pool.Config{
		MinUnits:               cfg.MinUnits,
		MaxUnits:               cfg.MaxUnits,
		IdleTimeout:            cfg.IdleTimeout,
		DefaultKind:            cfg.DefaultKind,
		UnitFactory:            cfg.UnitFactory,
		MaxQueueSize:           cfg.MaxQueueSize,
		DefaultTimeoutMs:       cfg.DefaultTimeoutMs,
		DefaultMaxRetries:      cfg.MaxRetries,
		DefaultRetryDelayBase:  cfg.RetryDelayBase.Milliseconds(),
		DefaultMaxBackoffDelay: cfg.MaxBackoffDelay,
		DefaultMaxJitter:       cfg.MaxJitter,
		SubmitRateLimit:        cfg.SubmitRateLimit,
	})

	if cfg.UseCache {
		cacheCfg := cfg.CacheOptions
		cacheCfg.StorageType = cfg.CacheStorageType
		c, err := cache.New(cacheCfg)
		if err != nil {
			return nil, errs.Wrap(errs.CacheError, "open image cache", err)
		}
		p.cache = c
	}

	return p, nil
}

// Hub exposes the underlying pool's event bus, including TaskDuration events
// this processor emits on top of the pool's own task lifecycle events.
func (p *ImageProcessor) Hub() *eventhub.Hub { return p.pool.Hub() }

func byteSize(req ProcessRequest) int {
	if req.Bytes != nil {
		return len(req.Bytes)
	}
	return req.ByteLen
}

// adjustTimeoutBasedOnImageSize derives a per-task timeout from the payload
// size and format: a base budget plus roughly 5s/MB, with a penalty for
// lossless formats and a credit for high-efficiency ones, floored so small
// images never get an unreasonably short deadline.
func (p *ImageProcessor) adjustTimeoutBasedOnImageSize(size int, format string) time.Duration {
	base := time.Duration(p.cfg.DefaultTimeoutMs) * time.Millisecond
	mb := float64(size) / (1024 * 1024)
	linear := time.Duration(mb * float64(5*time.Second))
	out := base + linear

	if losslessFormats[format] {
		out += 5 * time.Second
	}
	if highEfficiencyFormats[format] {
		out -= 2 * time.Second
	}
	if out < minAdjustedTimeout {
		out = minAdjustedTimeout
	}

	p.recordTimeoutStat(out)
	return out
}

func (p *ImageProcessor) recordTimeoutStat(d time.Duration) {
	ms := d.Milliseconds()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutStats.Count++
	p.timeoutStats.SumMs += ms
	if p.timeoutStats.Count == 1 || ms < p.timeoutStats.MinMs {
		p.timeoutStats.MinMs = ms
	}
	if ms > p.timeoutStats.MaxMs {
		p.timeoutStats.MaxMs = ms
	}
}

// GetTimeoutStats returns a snapshot of computed-timeout statistics.
func (p *ImageProcessor) GetTimeoutStats() TimeoutStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeoutStats
}

func (p *ImageProcessor) fingerprint(req ProcessRequest, scale float64) string {
	id := cache.Identity{
		SourceURL: req.SourceURL,
		ByteLen:   byteSize(req),
		MimeType:  req.MimeType,
		Bytes:     req.Bytes,
	}
	return cache.Fingerprint(id, req.Options, scale)
}

// scaleFor derives the discrete scale for req. TargetWidth and TargetHeight
// are independently optional: CalculateDiscreteScale ratios whichever one is
// supplied against its matching original dimension and falls back to the
// other, or to devicePixelRatio alone when neither target is given.
func (p *ImageProcessor) scaleFor(req ProcessRequest) float64 {
	if !p.cfg.UseDiscreteScales {
		return 1.0
	}
	dpr := req.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1.0
	}
	return cache.CalculateDiscreteScale(req.OriginalWidth, req.OriginalHeight, req.TargetWidth, req.TargetHeight, dpr, p.cfg.DiscreteScales)
}

// Process fingerprints req, serves it from cache on a hit, and otherwise
// submits it to the pool. The returned channel receives exactly one
// ProcessResult. payloadKey selects which field of the unit's result map
// holds the raw output bytes to cache; pass "" to skip caching the output
// even when the cache is enabled (e.g. jobs with no cacheable payload).
func (p *ImageProcessor) Process(req ProcessRequest, payloadKey string) (*task.Task, <-chan ProcessResult, error) {
	scale := p.scaleFor(req)
	fp := p.fingerprint(req, scale)

	if p.isCacheEnabled() {
		if entry, ok := p.safeCacheGet(fp); ok {
			out := make(chan ProcessResult, 1)
			out <- ProcessResult{
				Fingerprint: fp,
				CacheHit:    true,
				Output:      map[string]any{payloadKey: entry.Payload, "mime": entry.Mime},
			}
			close(out)
			p.Hub().EmitTask(eventhub.TaskEvent{
				EventType: eventhub.TaskDuration,
				Data:      map[string]any{"durationMs": float64(0), "cacheHit": true},
			})
			return nil, out, nil
		}
	}

	unitKind := req.UnitKind
	if unitKind == "" {
		unitKind = p.cfg.DefaultKind
	}

	timeout := p.adjustTimeoutBasedOnImageSize(byteSize(req), req.Format)
	opts := task.Options{
		Timeout:         timeout,
		MaxRetries:      p.cfg.MaxRetries,
		RetryDelayBase:  p.cfg.RetryDelayBase,
		MaxBackoffDelay: p.cfg.MaxBackoffDelay,
		MaxJitter:       p.cfg.MaxJitter,
		Tags:            req.Tags,
	}
	if req.Bytes != nil {
		opts.Transferables = [][]byte{req.Bytes}
	}

	payload := map[string]any{
		"sourceURL":        req.SourceURL,
		"mimeType":         req.MimeType,
		"format":           req.Format,
		"scale":            scale,
		"targetWidth":      req.TargetWidth,
		"targetHeight":     req.TargetHeight,
		"devicePixelRatio": req.DevicePixelRatio,
		"options":          req.Options,
	}
	if req.Bytes != nil {
		payload["bytes"] = req.Bytes
	}

	t, resultCh, err := p.pool.Submit("image.process", unitKind, payload, req.Priority, opts)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ProcessResult, 1)
	go p.await(t, fp, payloadKey, resultCh, out)
	return t, out, nil
}

func (p *ImageProcessor) await(t *task.Task, fp, payloadKey string, in <-chan pool.Result, out chan<- ProcessResult) {
	start := time.Now()
	res := <-in
	duration := time.Since(start)

	if res.Err == nil && payloadKey != "" && p.isCacheEnabled() {
		if raw, ok := res.Output[payloadKey].([]byte); ok {
			mime, _ := res.Output["mime"].(string)
			if err := p.safeCacheSet(fp, raw, mime); err != nil {
				p.log.Warn("cache write failed after task completion", "taskId", t.ID, "error", err)
			}
		}
	}

	p.Hub().EmitTask(eventhub.TaskEvent{
		EventType: eventhub.TaskDuration,
		TaskID:    t.ID,
		Data:      map[string]any{"durationMs": float64(duration.Milliseconds()), "cacheHit": false},
	})

	out <- ProcessResult{TaskID: t.ID, Fingerprint: fp, Output: res.Output, Err: res.Err}
	close(out)
}

func (p *ImageProcessor) isCacheEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cacheEnabled && p.cache != nil
}

func (p *ImageProcessor) safeCacheGet(fp string) (cache.Entry, bool) {
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c == nil {
		return cache.Entry{}, false
	}
	return c.Get(fp)
}

func (p *ImageProcessor) safeCacheSet(fp string, payload []byte, mime string) error {
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Set(fp, payload, mime)
}

// SetCacheEnabled toggles whether Process consults and populates the cache.
// The underlying store is left intact either way.
func (p *ImageProcessor) SetCacheEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cacheEnabled = enabled
}

// SetCacheStorageType changes which tiers future cache writes go to.
func (p *ImageProcessor) SetCacheStorageType(t cache.StorageType) {
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c != nil {
		c.SetStorageType(t)
	}
}

// ClearCache empties both cache tiers, if a cache is configured.
func (p *ImageProcessor) ClearCache() error {
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Clear()
}

// GetCacheStats returns the cache's running counters, or the zero value if
// no cache is configured.
func (p *ImageProcessor) GetCacheStats() cache.Stats {
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c == nil {
		return cache.Stats{}
	}
	return c.GetStats()
}

// Terminate shuts down the pool and disposes the cache's persistent handle.
func (p *ImageProcessor) Terminate(force bool) error {
	p.pool.Shutdown(force)
	p.mu.Lock()
	c := p.cache
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Dispose()
}
