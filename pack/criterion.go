package pack

import (
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/handler"
)

// Criterion is a compiled criterion. It is the action a handler evaluates.
// Completion is sticky: once reached it is never undone by later passes.
type Criterion struct {
	id       string
	packID   string
	name     string
	source   string
	required int
	query    *filter.Query

	mu          sync.Mutex
	matched     int
	completed   bool
	completedAt time.Time
	lastErr     error
	onComplete  func(c *Criterion, at time.Time)
}

var _ handler.QueryAction = (*Criterion)(nil)

func (c *Criterion) ID() string { return c.id }
func (c *Criterion) PackID() string { return c.packID }
func (c *Criterion) Name() string { return c.name }
func (c *Criterion) Source() string { return c.source }
func (c *Criterion) Query() *filter.Query { return c.query }
func (c *Criterion) RequiredCount() int { return c.required }

// Evaluated records the latest pass and completes the criterion once enough items matched
func (c *Criterion) Evaluated(res handler.Result) {
	c.mu.Lock()
	if res.Err != nil {
		c.lastErr = res.Err
		c.mu.Unlock()
		return
	}

	c.lastErr = nil
	c.matched = len(res.Accepted)
	if c.completed || c.matched < c.required {
		c.mu.Unlock()
		return
	}

	c.completed = true
	c.completedAt = res.FrameTime
	hook := c.onComplete
	c.mu.Unlock()

	if hook != nil {
		hook(c, res.FrameTime)
	}
}

// markCompleted restores a completion read from the progress store
func (c *Criterion) markCompleted(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.completed {
		c.completed = true
		c.completedAt = at
		c.matched = c.required
	}
}

// Completed reports whether the criterion is complete and when it completed
func (c *Criterion) Completed() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.completedAt
}

// Progress returns how many items matched in the latest pass and how many are required
func (c *Criterion) Progress() (matched, required int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matched, c.required
}

// LastError is the error of the latest pass, if it failed
func (c *Criterion) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Pack is a validated, compiled pack
type Pack struct {
	ID       string
	Name     string
	Version  int
	criteria []*Criterion
}

// Criteria returns the pack's criteria in declaration order
func (p *Pack) Criteria() []*Criterion {
	return append([]*Criterion(nil), p.criteria...)
}

// Criterion looks a criterion up by ID
func (p *Pack) Criterion(id string) (*Criterion, bool) {
	for _, c := range p.criteria {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

// Actions returns the criteria as handler actions
func (p *Pack) Actions() []handler.Action {
	actions := make([]handler.Action, len(p.criteria))
	for i, c := range p.criteria {
		actions[i] = c
	}
	return actions
}

// Build validates def and compiles every criterion's filters into a query
func Build(def *Definition) (*Pack, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	p := &Pack{
		ID:       def.ID,
		Name:     def.Name,
		Version:  def.Version,
		criteria: make([]*Criterion, 0, len(def.Criteria)),
	}
	if p.Name == "" {
		p.Name = def.ID
	}

	for i, cd := range def.Criteria {
		query, err := BuildQuery(cd.Filters)
		if err != nil {
			return nil, fmt.Errorf("criteria[%d] %s: %w", i, cd.ID, err)
		}

		required := cd.RequiredCount
		if required == 0 {
			required = 1
		}
		name := cd.Name
		if name == "" {
			name = cd.ID
		}

		p.criteria = append(p.criteria, &Criterion{
			id:       cd.ID,
			packID:   def.ID,
			name:     name,
			source:   cd.Source,
			required: required,
			query:    query,
		})
	}

	return p, nil
}

// BuildQuery turns filter literals into a query
func BuildQuery(defs []FilterDef) (*filter.Query, error) {
	predicates := make([]filter.Predicate, 0, len(defs))
	for _, fd := range defs {
		p, err := filter.ParsePredicate(fd.Path, fd.Op, string(fd.Value))
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, p)
	}
	return filter.NewQuery(predicates...)
}
