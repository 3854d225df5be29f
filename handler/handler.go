package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/internal/logger"
)

// defaultFetchLimit bounds how many sources one pass fetches concurrently
const defaultFetchLimit = 4

// Handler owns the registered actions, evaluates them on every tick and
// tracks its lifecycle state.
//
// Tick is driven by a single scheduler. Registration may happen from any
// goroutine. Lock order: notifyMu, then mu, then stateMu.
type Handler struct {
	sources    map[string]DataSource
	names      []string
	required   map[string]bool
	fetchLimit int

	// registered actions
	actions map[string]QueryAction
	order   []string
	cache   ActionsCache
	mu      sync.RWMutex

	// lifecycle
	state    State
	statuses map[string]SourceStatus
	running  bool
	passes   uint64
	lastPass time.Time
	stateMu  sync.Mutex

	// notifications
	subs     []subscription
	nextSub  uint64
	silenced bool
	subMu    sync.Mutex
	notifyMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// Option configures a Handler
type Option func(*Handler)

// WithRequired marks the named sources as required: while one of them is
// unavailable the handler is Suspended. By default every source is required.
func WithRequired(names ...string) Option {
	return func(h *Handler) {
		h.required = make(map[string]bool, len(names))
		for _, name := range names {
			h.required[name] = true
		}
	}
}

// WithFetchLimit bounds how many sources a pass fetches concurrently
func WithFetchLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.fetchLimit = n
		}
	}
}

// WithActionsCache replaces the registered-actions snapshot cache
func WithActionsCache(c ActionsCache) Option {
	return func(h *Handler) {
		if c != nil {
			h.cache = c
		}
	}
}

// New creates a handler over the given data sources. Source names must be unique.
func New(sources []DataSource, opts ...Option) (*Handler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		sources:    make(map[string]DataSource, len(sources)),
		fetchLimit: defaultFetchLimit,
		actions:    make(map[string]QueryAction),
		cache:      NewInMemoryActionsCache(),
		statuses:   make(map[string]SourceStatus),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, src := range sources {
		if src == nil {
			cancel()
			return nil, fmt.Errorf("data source is nil")
		}
		name := src.Name()
		if _, exists := h.sources[name]; exists {
			cancel()
			return nil, fmt.Errorf("data source %q registered twice", name)
		}
		h.sources[name] = src
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)

	for _, opt := range opts {
		opt(h)
	}

	if h.required == nil {
		h.required = make(map[string]bool, len(h.names))
		for _, name := range h.names {
			h.required[name] = true
		}
	}
	for name := range h.required {
		if _, ok := h.sources[name]; !ok {
			cancel()
			return nil, fmt.Errorf("required data source %q is not configured", name)
		}
	}

	return h, nil
}

// State returns the current lifecycle state
func (h *Handler) State() State {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// CanHandle reports whether the handler is able to evaluate a.
// It does not look at the registration set.
func (h *Handler) CanHandle(a Action) bool {
	qa, ok := a.(QueryAction)
	if !ok || qa == nil {
		return false
	}
	if qa.ID() == "" || qa.Query() == nil {
		return false
	}
	_, known := h.sources[qa.Source()]
	return known
}

// TryRegister registers a if the handler can evaluate it and it is not
// registered yet. It returns false otherwise, and once the handler is Fatal
// or Disposed.
func (h *Handler) TryRegister(a Action) bool {
	if !h.CanHandle(a) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State().IsTerminal() {
		return false
	}

	key := Key(a)
	if _, exists := h.actions[key]; exists {
		return false
	}

	h.actions[key] = a.(QueryAction)
	h.order = append(h.order, key)
	h.cache.Invalidate()
	return true
}

// TryRegisterMany attempts every action independently and returns the ones
// that were not registered. A failure never stops the remaining attempts.
func (h *Handler) TryRegisterMany(actions []Action) (bool, []Action) {
	var failed []Action
	for _, a := range actions {
		if !h.TryRegister(a) {
			failed = append(failed, a)
		}
	}
	return len(failed) == 0, failed
}

// TryUnregister removes a; it returns false if a was not registered
func (h *Handler) TryUnregister(a Action) bool {
	if a == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.removeLocked(Key(a))
}

// TryUnregisterMany removes every action and returns the ones that were not registered
func (h *Handler) TryUnregisterMany(actions []Action) (bool, []Action) {
	var failed []Action
	for _, a := range actions {
		if !h.TryUnregister(a) {
			failed = append(failed, a)
		}
	}
	return len(failed) == 0, failed
}

// UnregisterPack removes every action owned by packID and returns how many
// were removed. Calling it again is harmless.
func (h *Handler) UnregisterPack(packID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var keys []string
	for _, key := range h.order {
		if h.actions[key].PackID() == packID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		h.removeLocked(key)
	}
	return len(keys)
}

func (h *Handler) removeLocked(key string) bool {
	if _, exists := h.actions[key]; !exists {
		return false
	}

	delete(h.actions, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
	h.cache.Invalidate()
	return true
}

// IsRegistered reports whether a is currently registered
func (h *Handler) IsRegistered(a Action) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, exists := h.actions[Key(a)]
	return exists
}

// Actions returns the registered actions in registration order
func (h *Handler) Actions() []Action {
	snapshot := h.snapshot()
	out := make([]Action, len(snapshot))
	for i, a := range snapshot {
		out[i] = a
	}
	return out
}

func (h *Handler) snapshot() []QueryAction {
	if cached := h.cache.Get(); cached != nil {
		return cached
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]QueryAction, len(h.order))
	for i, key := range h.order {
		out[i] = h.actions[key]
	}
	h.cache.Set(out)
	return out
}

// Subscribe adds an observer and returns a function that removes it.
// Subscribing to a disposed handler is a no-op.
func (h *Handler) Subscribe(o Observer) (unsubscribe func()) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.silenced || o == nil {
		return func() {}
	}

	h.nextSub++
	id := h.nextSub
	h.subs = append(h.subs, subscription{id: id, observer: o})

	return func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// observers returns the current subscribers, or nil once notifications are silenced
func (h *Handler) observers() []Observer {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.silenced {
		return nil
	}
	out := make([]Observer, len(h.subs))
	for i, s := range h.subs {
		out[i] = s.observer
	}
	return out
}

// notify delivers one notification to every observer; a panicking observer
// is logged and skipped. Callers hold notifyMu.
func (h *Handler) notify(deliver func(Observer)) {
	for _, o := range h.observers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler observer panicked", "panic", fmt.Sprint(r))
				}
			}()
			deliver(o)
		}()
	}
}

// transition moves to next unless the current state is terminal and raises StateChanged
func (h *Handler) transition(next State) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.stateMu.Lock()
	prev := h.state
	if prev.IsTerminal() || prev == next {
		h.stateMu.Unlock()
		return
	}
	h.state = next
	h.stateMu.Unlock()

	logger.CountTransition()
	logger.Info("handler state changed", "from", prev.String(), "to", next.String())
	h.notify(func(o Observer) { o.StateChanged(prev, next) })
}

// crash moves to Fatal, stops evaluation and raises StateChanged then Fatal
// with the actions registered at that instant.
func (h *Handler) crash(reason error) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	// hold mu so no registration slips between the state change and the snapshot
	h.mu.Lock()
	h.stateMu.Lock()
	prev := h.state
	if prev.IsTerminal() {
		h.stateMu.Unlock()
		h.mu.Unlock()
		return
	}
	h.state = StateFatal
	h.stateMu.Unlock()

	snapshot := make([]Action, len(h.order))
	for i, key := range h.order {
		snapshot[i] = h.actions[key]
	}
	h.mu.Unlock()

	h.cancel()

	logger.CountTransition()
	logger.CountFatal()
	logger.Crash("handler crashed", "from", prev.String(), "error", reason, "actions", len(snapshot))

	h.notify(func(o Observer) { o.StateChanged(prev, StateFatal) })
	h.notify(func(o Observer) {
		o.Fatal(append([]Action(nil), snapshot...))
	})
}

// Tick runs one update cycle: it re-observes every data source, moves the
// state accordingly and starts an evaluation pass over the actions whose
// source is ready. Tick never waits for the pass; if the previous pass is
// still running the evaluation part of this tick is skipped.
func (h *Handler) Tick(frameTime time.Time) {
	if h.State().IsTerminal() {
		return
	}

	statuses := make(map[string]SourceStatus, len(h.names))
	for _, name := range h.names {
		statuses[name] = h.sources[name].Status(h.ctx)
	}

	next, reason := h.decide(statuses)

	h.stateMu.Lock()
	h.statuses = statuses
	h.stateMu.Unlock()

	if next == StateFatal {
		h.crash(reason)
		return
	}
	h.transition(next)

	if !next.Evaluates() {
		return
	}

	batch := h.pending(statuses)
	if len(batch) == 0 {
		return
	}

	h.stateMu.Lock()
	if !h.state.Evaluates() {
		h.stateMu.Unlock()
		return
	}
	if h.running {
		h.stateMu.Unlock()
		logger.CountSkippedTick()
		logger.Debug("evaluation pass still running, tick skipped", "frameTime", frameTime)
		return
	}
	h.running = true
	h.wg.Add(1)
	h.stateMu.Unlock()

	go h.pass(h.ctx, frameTime, batch)
}

// decide maps source statuses to the next state
func (h *Handler) decide(statuses map[string]SourceStatus) (State, error) {
	degraded := false
	suspended := false
	for _, name := range h.names {
		switch statuses[name] {
		case SourceLost:
			return StateFatal, fmt.Errorf("data source %q lost", name)
		case SourceUnavailable:
			if h.required[name] {
				suspended = true
			} else {
				degraded = true
			}
		case SourceRetired:
			degraded = true
		}
	}

	switch {
	case suspended:
		return StateSuspended, nil
	case degraded:
		return StatePartiallySuspended, nil
	}
	return StateWorking, nil
}

// pending returns the registered actions whose source is ready
func (h *Handler) pending(statuses map[string]SourceStatus) []QueryAction {
	var out []QueryAction
	for _, a := range h.snapshot() {
		if statuses[a.Source()] == SourceReady {
			out = append(out, a)
		}
	}
	return out
}

// pass fetches every source needed by batch once, then evaluates each action
func (h *Handler) pass(ctx context.Context, frameTime time.Time, batch []QueryAction) {
	defer func() {
		h.stateMu.Lock()
		h.running = false
		h.passes++
		h.lastPass = frameTime
		h.stateMu.Unlock()
		logger.CountPass()
		h.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			h.crash(fmt.Errorf("evaluation pass panicked: %v", r))
		}
	}()

	items := h.fetch(ctx, batch)

	for _, a := range batch {
		if ctx.Err() != nil {
			return
		}

		data, ok := items[a.Source()]
		if !ok {
			continue
		}
		// unregistered while the sources were fetched
		if !h.IsRegistered(a) {
			continue
		}

		accepted, rejected, err := a.Query().Apply(ctx, data)
		if ctx.Err() != nil {
			return
		}

		res := Result{
			ActionID:  a.ID(),
			PackID:    a.PackID(),
			Source:    a.Source(),
			Accepted:  accepted,
			Rejected:  len(rejected),
			Err:       err,
			FrameTime: frameTime,
		}
		if err != nil {
			logger.CountEvaluationError()
			logger.Warn("action evaluation failed", "pack", a.PackID(), "action", a.ID(), "query", a.Query().String(), "error", err)
		}
		a.Evaluated(res)
	}
}

// fetch loads every source used by batch; sources that fail are left out
func (h *Handler) fetch(ctx context.Context, batch []QueryAction) map[string][]filter.Value {
	needed := make(map[string]bool)
	for _, a := range batch {
		needed[a.Source()] = true
	}

	var (
		items = make(map[string][]filter.Value, len(needed))
		mu    sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(h.fetchLimit)

	for _, name := range h.names {
		if !needed[name] {
			continue
		}
		src := h.sources[name]
		g.Go(func() error {
			data, err := src.Fetch(ctx)
			if err != nil {
				logger.CountFetchError()
				return fmt.Errorf("fetch %s: %w", src.Name(), err)
			}
			mu.Lock()
			items[src.Name()] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn("data source fetch failed", "error", err)
	}
	return items
}

// Wait blocks until the running evaluation pass, if any, has finished
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Dispose tears the handler down: it stops any running pass, raises a final
// StateChanged to Disposed and drops every observer. No notification is
// raised once Dispose returns. A Fatal handler keeps its state.
// Dispose must not be called from an observer or from Evaluated.
func (h *Handler) Dispose() {
	h.disposeOnce.Do(func() {
		h.notifyMu.Lock()

		h.stateMu.Lock()
		prev := h.state
		if !prev.IsTerminal() {
			h.state = StateDisposed
		}
		h.stateMu.Unlock()

		h.cancel()

		if !prev.IsTerminal() {
			logger.CountTransition()
			logger.Info("handler state changed", "from", prev.String(), "to", StateDisposed.String())
			h.notify(func(o Observer) { o.StateChanged(prev, StateDisposed) })
		}

		h.subMu.Lock()
		h.silenced = true
		h.subs = nil
		h.subMu.Unlock()

		h.notifyMu.Unlock()

		h.wg.Wait()
	})
}

// Snapshot is a point-in-time view of the handler for status reporting
type Snapshot struct {
	State      State                   `json:"state"`
	Registered int                     `json:"registered"`
	Sources    map[string]SourceStatus `json:"sources"`
	Passes     uint64                  `json:"passes"`
	LastPass   time.Time               `json:"lastPass"`
	Evaluating bool                    `json:"evaluating"`
}

// Status returns a point-in-time view of the handler
func (h *Handler) Status() Snapshot {
	h.mu.RLock()
	registered := len(h.order)
	h.mu.RUnlock()

	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	sources := make(map[string]SourceStatus, len(h.statuses))
	for name, status := range h.statuses {
		sources[name] = status
	}
	return Snapshot{
		State:      h.state,
		Registered: registered,
		Sources:    sources,
		Passes:     h.passes,
		LastPass:   h.lastPass,
		Evaluating: h.running,
	}
}
