package handler

import "sync"

// ActionsCache holds the ordered snapshot of registered actions so ticks and
// status reads do not rebuild it while the registration set is unchanged.
type ActionsCache interface {
	// Get returns the cached snapshot, or nil on a miss
	Get() []QueryAction

	// Set stores a snapshot
	Set(actions []QueryAction)

	// Invalidate drops the snapshot, forcing a rebuild on next Get
	Invalidate()
}

// InMemoryActionsCache is the default ActionsCache.
// Thread-safe for concurrent access.
type InMemoryActionsCache struct {
	actions []QueryAction
	mu      sync.RWMutex
	isValid bool
}

func NewInMemoryActionsCache() *InMemoryActionsCache {
	return &InMemoryActionsCache{}
}

// Get returns a copy of the cached snapshot
func (c *InMemoryActionsCache) Get() []QueryAction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isValid {
		return nil
	}

	// Return copy to prevent external modifications
	out := make([]QueryAction, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *InMemoryActionsCache) Set(actions []QueryAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.actions = make([]QueryAction, len(actions))
	copy(c.actions, actions)
	c.isValid = true
}

func (c *InMemoryActionsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.actions = nil
}
