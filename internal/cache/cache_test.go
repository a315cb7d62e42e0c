package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestGetAfterSet_UntilTTL(t *testing.T) {
	clk := newClock()
	c, err := New(Options[string]{Name: "t", MaxEntries: 8, TTL: time.Minute, Now: clk.Now})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Set("k", "v", 0)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("get=%q,%v", v, ok)
	}
	clk.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("entry expired early")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry returned at its expiration")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed, len=%d", c.Len())
	}
}

func TestPerEntryTTL(t *testing.T) {
	clk := newClock()
	c, _ := New(Options[int]{Name: "t", TTL: time.Hour, Now: clk.Now})
	c.Set("short", 1, time.Second)
	c.Set("long", 2, 0)
	clk.Advance(2 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Fatalf("short ttl ignored")
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("default ttl should still hold")
	}
}

func TestLRUEviction_ByCount(t *testing.T) {
	c, _ := New(Options[int]{Name: "t", MaxEntries: 2})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Get("a")
	c.Set("c", 3, 0)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("recently read entry evicted")
	}
}

func TestLRUEviction_ByBytes(t *testing.T) {
	c, _ := New(Options[string]{
		Name: "t", MaxEntries: 100, MaxBytes: 10,
		SizeOf: func(s string) int64 { return int64(len(s)) },
	})
	c.Set("a", "aaaa", 0)
	c.Set("b", "bbbb", 0)
	c.Set("c", "cccc", 0)
	if c.Bytes() > 10 {
		t.Fatalf("byte budget exceeded: %d", c.Bytes())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if ok := c.Set("huge", "xxxxxxxxxxxx", 0); ok {
		t.Fatalf("value above the budget must not be stored")
	}
	c.Set("b", "b", 0)
	if c.Bytes() != 5 {
		t.Fatalf("overwrite should replace the size, bytes=%d", c.Bytes())
	}
}

func TestInvalidateTag(t *testing.T) {
	c, _ := New(Options[int]{Name: "t", MaxEntries: 16})
	c.Set("a", 1, 0, "collection:roads")
	c.Set("b", 2, 0, "collection:roads", "collection:parcels")
	c.Set("c", 3, 0, "collection:parcels")

	if n := c.InvalidateTag("collection:roads"); n != 2 {
		t.Fatalf("invalidated %d, want 2", n)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should be gone")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("c carries another tag only")
	}
	if n := c.InvalidateTag("collection:parcels"); n != 1 {
		t.Fatalf("stale tag index: %d", n)
	}
}

func TestSet_InvalidateCollection(t *testing.T) {
	s, err := NewSet(Config{})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	tag := CollectionTag("parcels")
	s.Geometry.Set("g", &model.PreparedGeometry{WKT: "POINT(1 1)"}, 0, tag)
	s.Expression.Set("e", ExpressionEntry{Expression: "TRUE"}, 0, tag, CollectionTag("roads"))
	s.Structure.Set("s", model.IntermediateStructure{Name: "gf_x"}, 0, CollectionTag("roads"))

	if n := s.InvalidateCollection("parcels"); n != 2 {
		t.Fatalf("invalidated %d, want 2", n)
	}
	if _, ok := s.Structure.Get("s"); !ok {
		t.Fatalf("unrelated structure entry dropped")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := New(Options[int]{Name: "t", MaxEntries: 32, MaxBytes: 64})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := strconv.Itoa((w * i) % 50)
				c.Set(k, i, 0, "tag"+strconv.Itoa(i%3))
				c.Get(k)
				if i%40 == 0 {
					c.InvalidateTag("tag1")
				}
			}
		}(w)
	}
	wg.Wait()
	if c.Bytes() > 64 || c.Bytes() < 0 {
		t.Fatalf("byte accounting drifted: %d", c.Bytes())
	}
}
