package handler

import (
	"sync/atomic"
	"testing"
)

// countingCache counts rebuilds of the registered-actions snapshot
type countingCache struct {
	*InMemoryActionsCache
	sets atomic.Int32
}

func (c *countingCache) Set(actions []QueryAction) {
	c.sets.Add(1)
	c.InMemoryActionsCache.Set(actions)
}

func TestInMemoryActionsCache(t *testing.T) {
	c := NewInMemoryActionsCache()
	if got := c.Get(); got != nil {
		t.Fatalf("Get() on empty cache = %v, want nil", got)
	}

	a := newAction(t, "pack-1", "a", "api")
	c.Set([]QueryAction{a})

	got := c.Get()
	if len(got) != 1 || got[0] != QueryAction(a) {
		t.Fatalf("Get() = %v, want [a]", got)
	}

	// callers get a copy
	got[0] = nil
	if c.Get()[0] == nil {
		t.Error("modifying the returned slice changed the cache")
	}

	c.Invalidate()
	if got := c.Get(); got != nil {
		t.Errorf("Get() after Invalidate = %v, want nil", got)
	}

	// an empty snapshot is a hit, not a miss
	c.Set(nil)
	if got := c.Get(); got == nil {
		t.Error("Get() after Set(nil) should return an empty snapshot")
	}
}

func TestHandler_SnapshotRebuiltOnlyAfterMutation(t *testing.T) {
	cache := &countingCache{InMemoryActionsCache: NewInMemoryActionsCache()}
	h := newHandler(t, []DataSource{newFakeSource("api")}, WithActionsCache(cache))

	h.TryRegister(newAction(t, "pack-1", "a", "api"))
	h.Actions()
	h.Actions()
	if got := cache.sets.Load(); got != 1 {
		t.Fatalf("snapshot built %d times, want 1", got)
	}

	h.TryRegister(newAction(t, "pack-1", "b", "api"))
	if got := len(h.Actions()); got != 2 {
		t.Fatalf("Actions() returned %d actions, want 2", got)
	}
	if got := cache.sets.Load(); got != 2 {
		t.Errorf("snapshot built %d times after a registration, want 2", got)
	}
}
