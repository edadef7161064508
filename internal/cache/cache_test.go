package cache

import (
	"path/filepath"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	c, err := New(Config{StorageType: Memory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fp := Fingerprint(Identity{SourceURL: "https://x/y.png", ByteLen: 10, MimeType: "image/png"}, Options{"w": "100"}, 1.0)
	if err := c.Set(fp, []byte("payload"), "image/png"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entry, ok := c.Get(fp)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(entry.Payload) != "payload" {
		t.Fatalf("got payload %q", entry.Payload)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := c.Get(fp); ok {
		t.Fatal("expected miss after clear")
	}
}

func TestPersistentPromotion(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{StorageType: Both, DBPath: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Dispose()

	fp := Fingerprint(Identity{Bytes: []byte("raw image bytes"), ByteLen: 16, MimeType: "image/jpeg"}, nil, 0.5)
	if err := c.Set(fp, []byte("data"), "image/jpeg"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Force the memory tier empty, simulating a process restart against the
	// same persistent store, and confirm the persistent hit repopulates it.
	c.mu.Lock()
	c.mem = map[string]*memRecord{}
	c.order.Init()
	c.mu.Unlock()

	entry, ok := c.Get(fp)
	if !ok {
		t.Fatal("expected persistent hit")
	}
	if string(entry.Payload) != "data" {
		t.Fatalf("got payload %q", entry.Payload)
	}

	stats := c.GetStats()
	if stats.PersistentHits != 1 {
		t.Fatalf("expected 1 persistent hit, got %d", stats.PersistentHits)
	}
	if stats.Size != 1 {
		t.Fatalf("expected promoted entry in memory tier, size=%d", stats.Size)
	}
}

func TestMemoryEvictionByMaxEntries(t *testing.T) {
	c, err := New(Config{StorageType: Memory, MaxEntries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("a", []byte("1"), "")
	c.Set("b", []byte("2"), "")
	c.Set("c", []byte("3"), "")

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected most recent entry retained")
	}
	if c.GetStats().Evictions == 0 {
		t.Fatal("expected at least one eviction recorded")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	id := Identity{Bytes: []byte("same bytes every time"), ByteLen: 21, MimeType: "image/png"}
	a := Fingerprint(id, Options{"q": "80"}, 0.25)
	b := Fingerprint(id, Options{"q": "80"}, 0.25)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}

	c := Fingerprint(id, Options{"q": "80"}, 0.5)
	if a == c {
		t.Fatal("distinct scales must not collide")
	}
}

func TestCalculateDiscreteScale(t *testing.T) {
	scales := []float64{1.0, 0.5, 0.25, 0.1}

	got := CalculateDiscreteScale(1000, 1000, 400, 400, 1.0, scales)
	if got != 0.25 {
		t.Fatalf("expected 0.25 for a 0.4 ratio, got %v", got)
	}

	got = CalculateDiscreteScale(1000, 1000, 50, 50, 1.0, scales)
	if got != 0.1 {
		t.Fatalf("expected smallest rung as floor, got %v", got)
	}

	got = CalculateDiscreteScale(1000, 1000, 1000, 1000, 1.0, scales)
	if got != 1.0 {
		t.Fatalf("expected exact match to top rung, got %v", got)
	}

	found := false
	for _, s := range scales {
		if got == s {
			found = true
		}
	}
	if !found {
		t.Fatal("result must be a member of the discrete ladder")
	}
}
