package handler

import (
	"context"
	"time"

	"github.com/liamcoop/achievements/filter"
)

// Action is one trackable achievement criterion owned by a pack.
// The handler only keeps a registration; the pack owns the action.
type Action interface {
	ID() string
	PackID() string
}

// QueryAction is the capability a Handler needs to evaluate an action:
// which data source feeds it and which query decides completion.
type QueryAction interface {
	Action

	// Source names the DataSource whose items are filtered
	Source() string

	// Query decides which items satisfy the criterion
	Query() *filter.Query

	// Evaluated receives the outcome of every evaluation pass that covered the action.
	// It runs on the handler's evaluation goroutine and must not block.
	Evaluated(Result)
}

// Result is the outcome of evaluating one action during a pass
type Result struct {
	ActionID  string
	PackID    string
	Source    string
	Accepted  []filter.Value
	Rejected  int
	Err       error
	FrameTime time.Time
}

// Key is the registration identity of an action
func Key(a Action) string {
	return a.PackID() + "/" + a.ID()
}

// SourceStatus describes the availability of a DataSource
type SourceStatus int

const (
	// SourceReady means items can be fetched
	SourceReady SourceStatus = iota
	// SourceUnavailable means the source is temporarily absent and may come back
	SourceUnavailable
	// SourceRetired means the source is absent permanently or semi-permanently
	SourceRetired
	// SourceLost means the source failed unrecoverably
	SourceLost
)

var sourceStatusNames = map[SourceStatus]string{
	SourceReady:       "ready",
	SourceUnavailable: "unavailable",
	SourceRetired:     "retired",
	SourceLost:        "lost",
}

func (s SourceStatus) String() string {
	if name, ok := sourceStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s SourceStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DataSource supplies the live data items that queries are applied to.
// Status must not block; it is called on the tick goroutine.
// Fetch may wait for pending data and is only called from evaluation passes.
type DataSource interface {
	Name() string
	Status(ctx context.Context) SourceStatus
	Fetch(ctx context.Context) ([]filter.Value, error)
}
