package pack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/achievements/handler"
	"github.com/liamcoop/achievements/internal/logger"
	"github.com/liamcoop/achievements/progress"
)

// completionTimeout bounds how long recording one completion may take
const completionTimeout = 5 * time.Second

// ErrPackNotFound is returned for operations on a pack that is not loaded
var ErrPackNotFound = errors.New("pack not found")

// Registry is the part of an action handler the manager drives
type Registry interface {
	TryRegisterMany(actions []handler.Action) (bool, []handler.Action)
	TryUnregister(a handler.Action) bool
	UnregisterPack(packID string) int
}

// LoadReport summarises one pack load
type LoadReport struct {
	PackID          string   `json:"packId"`
	Registered      int      `json:"registered"`
	AlreadyComplete int      `json:"alreadyComplete"`
	Rejected        []string `json:"rejected,omitempty"`
	Replaced        bool     `json:"replaced"`
}

// Summary describes a loaded pack
type Summary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	Criteria  int    `json:"criteria"`
	Completed int    `json:"completed"`
}

// Manager owns the loaded packs and keeps their criteria registered with a handler.
// Completed criteria are recorded in the progress store and unregistered.
type Manager struct {
	registry Registry
	progress progress.Store
	packs    map[string]*Pack
	defs     map[string]*Definition
	mu       sync.RWMutex
}

// NewManager creates a manager over a handler registry and a progress store
func NewManager(registry Registry, store progress.Store) *Manager {
	return &Manager{
		registry: registry,
		progress: store,
		packs:    make(map[string]*Pack),
		defs:     make(map[string]*Definition),
	}
}

// Load builds def and registers its incomplete criteria.
// Loading a pack ID that is already loaded replaces the previous version.
func (m *Manager) Load(ctx context.Context, def *Definition) (LoadReport, error) {
	p, err := Build(def)
	if err != nil {
		return LoadReport{}, err
	}

	report := LoadReport{PackID: p.ID}

	var pending []handler.Action
	for _, c := range p.criteria {
		done, err := m.progress.IsCompleted(ctx, p.ID, c.id)
		if err != nil {
			return LoadReport{}, fmt.Errorf("failed to read progress of %s/%s: %w", p.ID, c.id, err)
		}
		if done {
			c.markCompleted(time.Time{})
			report.AlreadyComplete++
			continue
		}
		c.onComplete = m.complete
		pending = append(pending, c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.packs[p.ID]; exists {
		m.registry.UnregisterPack(p.ID)
		report.Replaced = true
	}

	_, failed := m.registry.TryRegisterMany(pending)
	for _, a := range failed {
		report.Rejected = append(report.Rejected, a.ID())
	}
	report.Registered = len(pending) - len(failed)

	m.packs[p.ID] = p
	m.defs[p.ID] = def

	logger.Info("pack loaded",
		"pack", p.ID,
		"version", p.Version,
		"registered", report.Registered,
		"alreadyComplete", report.AlreadyComplete,
		"rejected", len(report.Rejected),
		"replaced", report.Replaced)
	if len(report.Rejected) > 0 {
		logger.Warn("pack criteria rejected by handler", "pack", p.ID, "criteria", report.Rejected)
	}

	return report, nil
}

// LoadDir loads every pack file in dir
func (m *Manager) LoadDir(ctx context.Context, dir string) ([]LoadReport, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	reports := make([]LoadReport, 0, len(defs))
	for _, def := range defs {
		report, err := m.Load(ctx, def)
		if err != nil {
			return reports, fmt.Errorf("failed to load pack %s: %w", def.ID, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Unload removes a pack and unregisters its criteria. Unloading an unknown
// or already unloaded pack is not an error; it reports false.
func (m *Manager) Unload(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.packs[packID]
	delete(m.packs, packID)
	delete(m.defs, packID)
	removed := m.registry.UnregisterPack(packID)

	if exists {
		logger.Info("pack unloaded", "pack", packID, "unregistered", removed)
	}
	return exists
}

// Get returns a loaded pack
func (m *Manager) Get(packID string) (*Pack, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.packs[packID]
	return p, exists
}

// Packs returns a summary of every loaded pack ordered by ID
func (m *Manager) Packs() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.packs))
	for _, p := range m.packs {
		s := Summary{
			ID:       p.ID,
			Name:     p.Name,
			Version:  p.Version,
			Criteria: len(p.criteria),
		}
		for _, c := range p.criteria {
			if done, _ := c.Completed(); done {
				s.Completed++
			}
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

// Progress returns the stored completion records of a loaded pack
func (m *Manager) Progress(ctx context.Context, packID string) ([]progress.Record, error) {
	if _, exists := m.Get(packID); !exists {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, packID)
	}
	return m.progress.ListByPack(ctx, packID)
}

// Reset forgets the pack's progress and reloads it so every criterion is tracked again
func (m *Manager) Reset(ctx context.Context, packID string) (LoadReport, error) {
	m.mu.RLock()
	def, exists := m.defs[packID]
	m.mu.RUnlock()

	if !exists {
		return LoadReport{}, fmt.Errorf("%w: %s", ErrPackNotFound, packID)
	}

	if err := m.progress.Reset(ctx, packID); err != nil {
		return LoadReport{}, fmt.Errorf("failed to reset progress of %s: %w", packID, err)
	}

	logger.Info("pack progress reset", "pack", packID)
	return m.Load(ctx, def)
}

// complete runs on the handler's evaluation goroutine when a criterion completes
func (m *Manager) complete(c *Criterion, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	if err := m.progress.MarkCompleted(ctx, c.packID, c.id, at); err != nil {
		logger.Error("failed to record completion", "pack", c.packID, "criterion", c.id, "error", err)
	}

	// a replaced or unloaded pack must not unregister its successor, so the
	// check and the unregistration both happen under the lock Load takes
	m.mu.RLock()
	if m.isCurrentLocked(c) {
		m.registry.TryUnregister(c)
	}
	m.mu.RUnlock()

	logger.CountCompletion()
	logger.Info("criterion completed", "pack", c.packID, "criterion", c.id, "at", at)
}

// isCurrentLocked reports whether c belongs to the loaded version of its pack.
// Callers hold mu.
func (m *Manager) isCurrentLocked(c *Criterion) bool {
	p, exists := m.packs[c.packID]
	if !exists {
		return false
	}
	current, ok := p.Criterion(c.id)
	return ok && current == c
}
