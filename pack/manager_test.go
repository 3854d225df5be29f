package pack

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/handler"
	"github.com/liamcoop/achievements/progress"
)

// fakeRegistry accepts every action except those listed in reject
type fakeRegistry struct {
	mu         sync.Mutex
	registered map[string]handler.Action
	reject     map[string]bool

	// beforeUnregister runs at the start of TryUnregister
	beforeUnregister func()
}

func newFakeRegistry(reject ...string) *fakeRegistry {
	r := &fakeRegistry{registered: make(map[string]handler.Action), reject: make(map[string]bool)}
	for _, id := range reject {
		r.reject[id] = true
	}
	return r
}

func (r *fakeRegistry) TryRegisterMany(actions []handler.Action) (bool, []handler.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []handler.Action
	for _, a := range actions {
		if r.reject[a.ID()] {
			failed = append(failed, a)
			continue
		}
		r.registered[handler.Key(a)] = a
	}
	return len(failed) == 0, failed
}

func (r *fakeRegistry) TryUnregister(a handler.Action) bool {
	if r.beforeUnregister != nil {
		r.beforeUnregister()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[handler.Key(a)]; !ok {
		return false
	}
	delete(r.registered, handler.Key(a))
	return true
}

func (r *fakeRegistry) UnregisterPack(packID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, a := range r.registered {
		if a.PackID() == packID {
			delete(r.registered, key)
			n++
		}
	}
	return n
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

func twoCriteria() *Definition {
	def := validDefinition()
	def.Criteria = append(def.Criteria, CriterionDef{
		ID:      "named",
		Source:  "player",
		Filters: []FilterDef{{Path: "name", Op: "==", Value: "Aria"}},
	})
	return def
}

func TestManager_Load(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	m := NewManager(reg, progress.NewInMemoryStore())

	report, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)

	assert.Equal(t, LoadReport{PackID: "veteran", Registered: 2}, report)
	assert.Equal(t, 2, reg.count())

	p, ok := m.Get("veteran")
	require.True(t, ok)
	assert.Len(t, p.Criteria(), 2)
}

func TestManager_LoadSkipsCompletedCriteria(t *testing.T) {
	ctx := context.Background()
	store := progress.NewInMemoryStore()
	require.NoError(t, store.MarkCompleted(ctx, "veteran", "named", time.Now()))

	reg := newFakeRegistry()
	m := NewManager(reg, store)

	report, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.AlreadyComplete)

	p, _ := m.Get("veteran")
	named, _ := p.Criterion("named")
	done, _ := named.Completed()
	assert.True(t, done)

	assert.Equal(t, []Summary{{ID: "veteran", Name: "Veteran", Version: 1, Criteria: 2, Completed: 1}}, m.Packs())
}

func TestManager_LoadReportsRejected(t *testing.T) {
	reg := newFakeRegistry("named")
	m := NewManager(reg, progress.NewInMemoryStore())

	report, err := m.Load(context.Background(), twoCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, []string{"named"}, report.Rejected)
}

func TestManager_LoadInvalid(t *testing.T) {
	m := NewManager(newFakeRegistry(), progress.NewInMemoryStore())

	def := validDefinition()
	def.Criteria = nil

	_, err := m.Load(context.Background(), def)
	require.Error(t, err)
	assert.Empty(t, m.Packs())
}

func TestManager_LoadReplaces(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	m := NewManager(reg, progress.NewInMemoryStore())

	_, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)

	report, err := m.Load(ctx, validDefinition())
	require.NoError(t, err)

	assert.True(t, report.Replaced)
	assert.Equal(t, 1, reg.count())
	assert.Len(t, m.Packs(), 1)
}

// forgetfulStore drops completions, so a reload registers every criterion again
type forgetfulStore struct {
	*progress.InMemoryStore
}

func (forgetfulStore) MarkCompleted(context.Context, string, string, time.Time) error {
	return nil
}

func TestManager_CompletionDoesNotUnregisterSuccessor(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	m := NewManager(reg, forgetfulStore{progress.NewInMemoryStore()})

	_, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)
	p, _ := m.Get("veteran")
	old, ok := p.Criterion("named")
	require.True(t, ok)

	// replace the pack while the old criterion's completion is unregistering it
	replaced := make(chan struct{})
	reg.beforeUnregister = func() {
		reg.beforeUnregister = nil
		go func() {
			defer close(replaced)
			m.Load(ctx, twoCriteria())
		}()
		select {
		case <-replaced:
			t.Error("pack replaced between the current-version check and the unregistration")
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.complete(old, time.Now())
	<-replaced

	current, _ := m.Get("veteran")
	successor, ok := current.Criterion("named")
	require.True(t, ok)
	assert.NotSame(t, old, successor)
	assert.Equal(t, 2, reg.count(), "the successor's criteria must stay registered")
}

func TestManager_UnloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	m := NewManager(reg, progress.NewInMemoryStore())

	_, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)

	assert.True(t, m.Unload("veteran"))
	assert.False(t, m.Unload("veteran"))
	assert.False(t, m.Unload("never-loaded"))

	assert.Equal(t, 0, reg.count())
	assert.Empty(t, m.Packs())
	_, ok := m.Get("veteran")
	assert.False(t, ok)
}

func TestManager_Progress(t *testing.T) {
	ctx := context.Background()
	store := progress.NewInMemoryStore()
	m := NewManager(newFakeRegistry(), store)

	_, err := m.Progress(ctx, "veteran")
	assert.ErrorIs(t, err, ErrPackNotFound)

	_, err = m.Load(ctx, twoCriteria())
	require.NoError(t, err)

	records, err := m.Progress(ctx, "veteran")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_Reset(t *testing.T) {
	ctx := context.Background()
	store := progress.NewInMemoryStore()
	require.NoError(t, store.MarkCompleted(ctx, "veteran", "named", time.Now()))
	require.NoError(t, store.MarkCompleted(ctx, "other", "named", time.Now()))

	reg := newFakeRegistry()
	m := NewManager(reg, store)

	_, err := m.Reset(ctx, "veteran")
	assert.ErrorIs(t, err, ErrPackNotFound)

	report, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)
	require.Equal(t, 1, report.AlreadyComplete)

	report, err = m.Reset(ctx, "veteran")
	require.NoError(t, err)
	assert.Equal(t, LoadReport{PackID: "veteran", Registered: 2, Replaced: true}, report)
	assert.Equal(t, 2, reg.count())

	done, err := store.IsCompleted(ctx, "veteran", "named")
	require.NoError(t, err)
	assert.False(t, done)

	// other packs keep their progress
	done, _ = store.IsCompleted(ctx, "other", "named")
	assert.True(t, done)
}

func TestManager_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "veteran.yaml"), []byte(veteranYAML), 0o644))

	m := NewManager(newFakeRegistry(), progress.NewInMemoryStore())
	reports, err := m.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Registered)
}

// staticSource always serves the same items
type staticSource struct {
	name  string
	items []filter.Value
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Status(context.Context) handler.SourceStatus { return handler.SourceReady }

func (s staticSource) Fetch(context.Context) ([]filter.Value, error) { return s.items, nil }

func TestManager_CompletionFlow(t *testing.T) {
	ctx := context.Background()
	players := staticSource{name: "player", items: []filter.Value{
		filter.MustFromAny(map[string]any{"name": "Aria", "level": 42}),
	}}

	h, err := handler.New([]handler.DataSource{players})
	require.NoError(t, err)
	t.Cleanup(h.Dispose)

	store := progress.NewInMemoryStore()
	m := NewManager(h, store)

	report, err := m.Load(ctx, twoCriteria())
	require.NoError(t, err)
	require.Equal(t, 2, report.Registered)

	frame := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	h.Tick(frame)
	h.Wait()

	// "named" matched, "level-80" did not
	done, err := store.IsCompleted(ctx, "veteran", "named")
	require.NoError(t, err)
	assert.True(t, done)

	done, _ = store.IsCompleted(ctx, "veteran", "level-80")
	assert.False(t, done)

	require.Len(t, h.Actions(), 1)
	assert.Equal(t, "level-80", h.Actions()[0].ID())

	records, err := m.Progress(ctx, "veteran")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, frame, records[0].CompletedAt)

	// a reload keeps the completion
	report, err = m.Load(ctx, twoCriteria())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.AlreadyComplete)
	assert.True(t, report.Replaced)
}
