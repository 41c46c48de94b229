package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, capacity int, ttl time.Duration) (*Cache[string], *fakeClock) {
	t.Helper()
	c, err := New[string](Options{Name: "test", Capacity: capacity, TTL: ttl, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c.clock = clock.Now
	return c, clock
}

func TestGetPutRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 4, time.Minute)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put(ctx, "a", "Hello, world.")
	got, ok := c.Get(ctx, "a")
	if !ok || got != "Hello, world." {
		t.Fatalf("expected hit, got %q ok=%v", got, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLazyExpiryOnLookup(t *testing.T) {
	c, clock := newTestCache(t, 4, time.Minute)
	ctx := context.Background()

	c.Put(ctx, "a", "x")
	clock.Advance(61 * time.Second)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected expired entry to miss")
	}
	stats := c.Stats()
	if stats.Expirations != 1 || stats.Size != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Hour)
	ctx := context.Background()

	c.Put(ctx, "a", "1")
	c.Put(ctx, "b", "2")
	c.Get(ctx, "a") // a is now most recent
	c.Put(ctx, "c", "3")

	if _, ok := c.Get(ctx, "b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("expected a to survive")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction, got %+v", c.Stats())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, 8, time.Minute)
	ctx := context.Background()

	c.Put(ctx, "old-1", "x")
	c.Put(ctx, "old-2", "y")
	clock.Advance(45 * time.Second)
	c.Put(ctx, "fresh", "z")
	clock.Advance(30 * time.Second)

	if n := c.Sweep(); n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
}

type memoryRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (m *memoryRemote) Get(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return ErrMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryRemote) Set(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	m.sets++
	return nil
}

func TestRemoteTierFillsMemory(t *testing.T) {
	remote := &memoryRemote{data: map[string][]byte{}}
	first, err := New[string](Options{Name: "stt", Capacity: 4, TTL: time.Hour, Remote: remote, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()
	first.Put(ctx, "k", "shared")
	if remote.sets != 1 {
		t.Fatalf("expected write-through, got %d sets", remote.sets)
	}

	second, err := New[string](Options{Name: "stt", Capacity: 4, TTL: time.Hour, Remote: remote, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	got, ok := second.Get(ctx, "k")
	if !ok || got != "shared" {
		t.Fatalf("expected remote hit, got %q ok=%v", got, ok)
	}
	if second.Len() != 1 || second.Stats().RemoteHits != 1 {
		t.Fatalf("expected memory tier populated: %+v", second.Stats())
	}
}

func TestRecognitionKeyIgnoresHintOrder(t *testing.T) {
	audio := []byte{1, 2, 3, 4}
	a := RecognitionKey(audio, []string{"kubectl", "Loqa"})
	b := RecognitionKey(audio, []string{"Loqa", "kubectl"})
	if a != b {
		t.Fatal("expected hint order to be irrelevant")
	}
	if a == RecognitionKey(audio, nil) {
		t.Fatal("expected hints to change the key")
	}
	if a == RecognitionKey([]byte{1, 2, 3, 5}, []string{"Loqa", "kubectl"}) {
		t.Fatal("expected audio to change the key")
	}
}

func TestEnhancementKeyNormalizesWhitespace(t *testing.T) {
	a := EnhancementKey("  hello   world ", "email", "p")
	b := EnhancementKey("hello world", "email", "p")
	if a != b {
		t.Fatal("expected whitespace normalization")
	}
	if a == EnhancementKey("hello world", "code", "p") {
		t.Fatal("expected context type to change the key")
	}
	if a == EnhancementKey("hello world", "email", "q") {
		t.Fatal("expected prompt to change the key")
	}
	// Field boundaries must not alias.
	if EnhancementKey("ab", "c", "") == EnhancementKey("a", "bc", "") {
		t.Fatal("expected length-prefixed fields")
	}
}
