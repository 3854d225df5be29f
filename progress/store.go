package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMissingKey is returned when a pack or action ID is empty
var ErrMissingKey = errors.New("pack ID and action ID are required")

// Record marks one criterion of a pack as completed
type Record struct {
	ID          uuid.UUID `json:"id"`
	PackID      string    `json:"packId"`
	ActionID    string    `json:"actionId"`
	CompletedAt time.Time `json:"completedAt"`
}

// Store persists completion progress
type Store interface {
	// MarkCompleted records a completion. Marking an already completed
	// action again keeps the first record.
	MarkCompleted(ctx context.Context, packID, actionID string, at time.Time) error

	// IsCompleted reports whether the action was completed
	IsCompleted(ctx context.Context, packID, actionID string) (bool, error)

	// ListByPack returns the pack's records ordered by completion time
	ListByPack(ctx context.Context, packID string) ([]Record, error)

	// Reset forgets every record of the pack
	Reset(ctx context.Context, packID string) error
}

type recordKey struct {
	packID   string
	actionID string
}

// InMemoryStore implements Store using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryStore struct {
	records map[recordKey]Record
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory progress store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[recordKey]Record),
	}
}

func (s *InMemoryStore) MarkCompleted(ctx context.Context, packID, actionID string, at time.Time) error {
	if packID == "" || actionID == "" {
		return ErrMissingKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{packID, actionID}
	if _, exists := s.records[key]; exists {
		return nil
	}

	s.records[key] = Record{
		ID:          uuid.New(),
		PackID:      packID,
		ActionID:    actionID,
		CompletedAt: at.UTC(),
	}
	return nil
}

func (s *InMemoryStore) IsCompleted(ctx context.Context, packID, actionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.records[recordKey{packID, actionID}]
	return exists, nil
}

func (s *InMemoryStore) ListByPack(ctx context.Context, packID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []Record{}
	for key, r := range s.records {
		if key.packID == packID {
			records = append(records, r)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CompletedAt.Equal(records[j].CompletedAt) {
			return records[i].CompletedAt.Before(records[j].CompletedAt)
		}
		return records[i].ActionID < records[j].ActionID
	})
	return records, nil
}

func (s *InMemoryStore) Reset(ctx context.Context, packID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.records {
		if key.packID == packID {
			delete(s.records, key)
		}
	}
	return nil
}
