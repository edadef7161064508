// Package cache implements ImageCache: a two-tier (in-memory plus
// persistent) result cache keyed by a deterministic fingerprint of image
// identity, processing options, and quantized output scale.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/obs/logging"
)

// StorageType selects which tiers a cache instance writes through to. Reads
// always try MEMORY first regardless of StorageType, since a prior BOTH
// write may have populated it.
type StorageType string

const (
	Memory     StorageType = "MEMORY"
	Persistent StorageType = "PERSISTENT"
	Both       StorageType = "BOTH"
)

// Config tunes an ImageCache instance.
type Config struct {
	MaxEntries         int
	MaxMemoryBytes     int64
	MaxPersistentBytes int64
	StorageType        StorageType
	PersistentNamespace string
	DBPath             string // empty disables the persistent tier entirely
}

func (c *Config) setDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 256
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 64 * 1024 * 1024
	}
	if c.MaxPersistentBytes <= 0 {
		c.MaxPersistentBytes = 512 * 1024 * 1024
	}
	if c.StorageType == "" {
		c.StorageType = Both
	}
	if c.PersistentNamespace == "" {
		c.PersistentNamespace = "default"
	}
}

// Entry is one cached processed-image result.
type Entry struct {
	Fingerprint    string
	Payload        []byte
	Mime           string
	InsertedAt     time.Time
	LastAccessedAt time.Time
	SizeBytes      int64
}

// Stats mirrors the counters callers poll via getStats.
type Stats struct {
	Size             int
	MemoryHits       int64
	MemoryMisses     int64
	PersistentHits   int64
	PersistentMisses int64
	Evictions        int64
	TotalHits        int64
	TotalMisses      int64
}

type memRecord struct {
	entry Entry
	elem  *list.Element
}

// ImageCache is the two-tier cache supervisor-owned by an ImageProcessor
// (or any other caller): MEMORY is consulted first, falling through to
// PERSISTENT only on a memory miss, and a persistent hit is promoted back
// into MEMORY so repeat lookups stay in the fast tier.
type ImageCache struct {
	cfg Config
	log interface {
		Warn(msg string, args ...any)
	}

	mu        sync.Mutex
	mem       map[string]*memRecord
	order     *list.List // front = most recently used
	memBytes  int64
	db        *bolt.DB
	namespace []byte

	stats Stats
}

var bucketEntries = []byte("entries")

// New opens an ImageCache. When cfg.DBPath is empty, the persistent tier is
// disabled and the cache behaves as MEMORY-only regardless of StorageType.
func New(cfg Config) (*ImageCache, error) {
	cfg.setDefaults()
	c := &ImageCache{
		cfg:       cfg,
		log:       logging.Named("imagecache"),
		mem:       make(map[string]*memRecord),
		order:     list.New(),
		namespace: []byte(cfg.PersistentNamespace),
	}

	if cfg.DBPath != "" && cfg.StorageType != Memory {
		db, err := bolt.Open(cfg.DBPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return nil, errs.Wrap(errs.CacheError, "open persistent cache store", err)
		}
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketEntries)
			return err
		})
		if err != nil {
			db.Close()
			return nil, errs.Wrap(errs.CacheError, "create cache bucket", err)
		}
		c.db = db
	}

	return c, nil
}

func (c *ImageCache) persistKey(fingerprint string) []byte {
	return []byte(string(c.namespace) + "\x00" + fingerprint)
}

// Get looks up fingerprint, consulting MEMORY then, on miss, PERSISTENT. A
// MEMORY hit never touches the persistent tier. A PERSISTENT hit is
// promoted into MEMORY before being returned.
func (c *ImageCache) Get(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	if rec, ok := c.mem[fingerprint]; ok {
		rec.entry.LastAccessedAt = time.Now()
		c.order.MoveToFront(rec.elem)
		c.stats.MemoryHits++
		c.stats.TotalHits++
		entry := rec.entry
		c.mu.Unlock()
		return entry, true
	}
	c.stats.MemoryMisses++
	c.mu.Unlock()

	if c.db == nil {
		c.mu.Lock()
		c.stats.TotalMisses++
		c.mu.Unlock()
		return Entry{}, false
	}

	entry, ok, err := c.readPersistent(fingerprint)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("persistent cache read failed", "fingerprint", fingerprint, "error", err)
		c.stats.TotalMisses++
		return Entry{}, false
	}
	if !ok {
		c.stats.PersistentMisses++
		c.stats.TotalMisses++
		return Entry{}, false
	}
	c.stats.PersistentHits++
	c.stats.TotalHits++
	entry.LastAccessedAt = time.Now()
	c.insertMemoryLocked(entry)
	return entry, true
}

func (c *ImageCache) readPersistent(fingerprint string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get(c.persistKey(fingerprint))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

// Set writes payload under fingerprint. It writes to MEMORY whenever
// StorageType is MEMORY or BOTH, and to PERSISTENT whenever StorageType is
// PERSISTENT or BOTH (and a persistent tier is configured).
func (c *ImageCache) Set(fingerprint string, payload []byte, mime string) error {
	now := time.Now()
	entry := Entry{
		Fingerprint:    fingerprint,
		Payload:        payload,
		Mime:           mime,
		InsertedAt:     now,
		LastAccessedAt: now,
		SizeBytes:      int64(len(payload)),
	}

	if c.cfg.StorageType == Memory || c.cfg.StorageType == Both {
		c.mu.Lock()
		c.insertMemoryLocked(entry)
		c.mu.Unlock()
	}

	if c.db != nil && (c.cfg.StorageType == Persistent || c.cfg.StorageType == Both) {
		data, err := json.Marshal(entry)
		if err != nil {
			return errs.Wrap(errs.CacheError, "marshal cache entry", err)
		}
		err = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntries).Put(c.persistKey(fingerprint), data)
		})
		if err != nil {
			return errs.Wrap(errs.CacheError, "write persistent cache entry", err)
		}
		c.enforcePersistentBudget()
	}

	return nil
}

// insertMemoryLocked must be called with c.mu held.
func (c *ImageCache) insertMemoryLocked(entry Entry) {
	if rec, ok := c.mem[entry.Fingerprint]; ok {
		c.memBytes -= rec.entry.SizeBytes
		rec.entry = entry
		c.memBytes += entry.SizeBytes
		c.order.MoveToFront(rec.elem)
	} else {
		elem := c.order.PushFront(entry.Fingerprint)
		c.mem[entry.Fingerprint] = &memRecord{entry: entry, elem: elem}
		c.memBytes += entry.SizeBytes
	}
	c.evictMemoryLocked()
}

func (c *ImageCache) evictMemoryLocked() {
	for (len(c.mem) > c.cfg.MaxEntries || c.memBytes > c.cfg.MaxMemoryBytes) && c.order.Len() > 0 {
		back := c.order.Back()
		key := back.Value.(string)
		rec := c.mem[key]
		c.memBytes -= rec.entry.SizeBytes
		delete(c.mem, key)
		c.order.Remove(back)
		c.stats.Evictions++
	}
}

// enforcePersistentBudget trims the oldest-inserted entries once the
// persistent tier's total payload size exceeds MaxPersistentBytes. bbolt
// has no native LRU, so this walks the bucket; acceptable since eviction
// only runs after a write, not on every read.
func (c *ImageCache) enforcePersistentBudget() {
	c.mu.Lock()
	budget := c.cfg.MaxPersistentBytes
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return
	}
	_ = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		type keyed struct {
			key            []byte
			lastAccessedAt time.Time
			size           int64
		}
		var all []keyed
		var total int64
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			total += e.SizeBytes
			all = append(all, keyed{key: append([]byte(nil), k...), lastAccessedAt: e.LastAccessedAt, size: e.SizeBytes})
		}
		if total <= budget {
			return nil
		}
		for i := 0; i < len(all); i++ {
			for j := i + 1; j < len(all); j++ {
				if all[j].lastAccessedAt.Before(all[i].lastAccessedAt) {
					all[i], all[j] = all[j], all[i]
				}
			}
		}
		for _, e := range all {
			if total <= budget {
				break
			}
			if err := b.Delete(e.key); err != nil {
				return err
			}
			total -= e.size
			c.mu.Lock()
			c.stats.Evictions++
			c.mu.Unlock()
		}
		return nil
	})
}

// Clear invalidates both tiers. From the caller's viewpoint this is atomic:
// no Get issued after Clear returns can observe a pre-Clear entry.
func (c *ImageCache) Clear() error {
	c.mu.Lock()
	c.mem = make(map[string]*memRecord)
	c.order = list.New()
	c.memBytes = 0
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.CacheError, "clear persistent cache", err)
	}
	return nil
}

// GetStats returns a snapshot of the running counters.
func (c *ImageCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Size = len(c.mem)
	return st
}

// SetStorageType changes which tiers future Set calls write through to.
// Existing entries are left in place.
func (c *ImageCache) SetStorageType(t StorageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.StorageType = t
}

// Dispose releases the persistent store handle. The cache must not be used
// afterward.
func (c *ImageCache) Dispose() error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close cache store: %w", err)
	}
	return nil
}
