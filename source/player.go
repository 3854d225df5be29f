package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/handler"
)

// MaxLevel is the level cap used for the derived IsMaxLevel field
const MaxLevel = 80

// Character describes the active character
type Character struct {
	Name       string `json:"name"`
	Profession string `json:"profession"`
	Race       string `json:"race,omitempty"`
	Level      int    `json:"level"`
}

// Position is the character position on the current map
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PlayerState is the live state pushed by the game client integration
type PlayerState struct {
	Account   string    `json:"account"`
	Character Character `json:"character"`
	MapID     int       `json:"mapId"`
	Position  Position  `json:"position"`
	InCombat  bool      `json:"inCombat"`
	Mounted   bool      `json:"mounted"`

	// Derived fields, computed on Update
	IsMaxLevel bool      `json:"isMaxLevel,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// PlayerSource serves the latest pushed PlayerState as a single item.
// It is Ready while the last update is younger than the stale window.
type PlayerSource struct {
	name       string
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	state   PlayerState
	item    filter.Value
	updated time.Time
	closed  bool
}

// PlayerOption configures a PlayerSource
type PlayerOption func(*PlayerSource)

// WithPlayerClock replaces the clock used for staleness
func WithPlayerClock(now func() time.Time) PlayerOption {
	return func(s *PlayerSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPlayerSource creates a push-based player source
func NewPlayerSource(name string, staleAfter time.Duration, opts ...PlayerOption) (*PlayerSource, error) {
	if name == "" {
		return nil, fmt.Errorf("player source name is required")
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("player source stale window must be positive, got %s", staleAfter)
	}

	s := &PlayerSource{
		name:       name,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PlayerSource) Name() string { return s.name }

// Value is the item form of the state, keyed like its JSON encoding.
// ReceivedAt is kept as a time so it can be ordered.
func (p PlayerState) Value() filter.Value {
	character := filter.Map(map[string]filter.Value{
		"name":       filter.String(p.Character.Name),
		"profession": filter.String(p.Character.Profession),
		"race":       filter.String(p.Character.Race),
		"level":      filter.Number(float64(p.Character.Level)),
	})
	position := filter.Map(map[string]filter.Value{
		"x": filter.Number(p.Position.X),
		"y": filter.Number(p.Position.Y),
		"z": filter.Number(p.Position.Z),
	})

	return filter.Map(map[string]filter.Value{
		"account":    filter.String(p.Account),
		"character":  character,
		"mapId":      filter.Number(float64(p.MapID)),
		"position":   position,
		"inCombat":   filter.Bool(p.InCombat),
		"mounted":    filter.Bool(p.Mounted),
		"isMaxLevel": filter.Bool(p.IsMaxLevel),
		"receivedAt": filter.Time(p.ReceivedAt),
	})
}

// Update replaces the current state
func (s *PlayerSource) Update(state PlayerState) error {
	now := s.now()
	state.IsMaxLevel = state.Character.Level >= MaxLevel
	state.ReceivedAt = now.UTC()

	item := state.Value()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.state = state
	s.item = item
	s.updated = now
	return nil
}

// State returns the latest state and whether one was received
func (s *PlayerSource) State() (PlayerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, !s.updated.IsZero()
}

func (s *PlayerSource) Status(ctx context.Context) handler.SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.closed:
		return handler.SourceLost
	case s.updated.IsZero():
		return handler.SourceUnavailable
	case s.now().Sub(s.updated) > s.staleAfter:
		return handler.SourceUnavailable
	}
	return handler.SourceReady
}

func (s *PlayerSource) Fetch(ctx context.Context) ([]filter.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.updated.IsZero() {
		return nil, ErrNoData
	}
	return []filter.Value{s.item}, nil
}

// Close marks the source lost; later updates are rejected
func (s *PlayerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
