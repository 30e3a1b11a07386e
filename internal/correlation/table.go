package correlation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskbridge/internal/clock"
)

const expiredReason = "task timed out"

// Options tunes the table.
type Options struct {
	Mode        Mode
	TaskTimeout time.Duration
	Retention   time.Duration
	MaxPending  int // 0 means unbounded
}

type record struct {
	entry  Entry
	handle *Handle
}

// Table owns all correlation state. Every status change goes through it.
type Table struct {
	mu sync.Mutex

	entries map[string]*record
	pending int
	stats   Stats

	opts  Options
	clock clock.Clock
	log   zerolog.Logger
}

// NewTable initializes an empty table.
func NewTable(opts Options, clk clock.Clock, log zerolog.Logger) *Table {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Table{
		entries: make(map[string]*record),
		opts:    opts,
		clock:   clk,
		log:     log,
	}
}

// Register creates a Pending entry for req.
func (t *Table) Register(req TaskRequest) (*Handle, error) {
	if req.ID == "" {
		return nil, ErrEmptyID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[req.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	if t.opts.MaxPending > 0 && t.pending >= t.opts.MaxPending {
		return nil, ErrCapacity
	}

	h := newHandle(req.ID)
	t.entries[req.ID] = &record{
		entry: Entry{
			ID:        req.ID,
			Status:    Pending,
			CreatedAt: t.clock.Now(),
			Request:   req,
		},
		handle: h,
	}
	t.pending++
	t.stats.TotalRegistered++
	return h, nil
}

// Resolve applies a worker response: success → Resolved, anything else →
// Failed with the worker's reason. Unknown ids and already-terminal entries
// are left untouched.
func (t *Table) Resolve(id string, result json.RawMessage, outcome Outcome, reason string) error {
	if outcome == Success {
		return t.transition(id, Resolved, result, "")
	}
	if reason == "" {
		reason = "task failed"
	}
	return t.transition(id, Failed, result, reason)
}

// Fail moves a Pending entry to Failed with reason.
func (t *Table) Fail(id, reason string) error {
	return t.transition(id, Failed, nil, reason)
}

// Expire moves an entry to Expired only if it is still Pending.
func (t *Table) Expire(id string) error {
	return t.transition(id, Expired, nil, expiredReason)
}

func (t *Table) transition(id string, to Status, result json.RawMessage, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(id, to, result, errMsg)
}

// transitionLocked is the single place an entry leaves Pending. t.mu must be held.
func (t *Table) transitionLocked(id string, to Status, result json.RawMessage, errMsg string) error {
	rec, exists := t.entries[id]
	if !exists {
		t.log.Debug().Str("id", id).Str("to", string(to)).Msg("transition for unknown id dropped")
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.entry.Status.Terminal() {
		t.stats.DroppedLate++
		t.log.Debug().
			Str("id", id).
			Str("status", string(rec.entry.Status)).
			Str("to", string(to)).
			Msg("duplicate terminal transition dropped")
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, rec.entry.Status)
	}

	rec.entry.Status = to
	rec.entry.Result = result
	rec.entry.Error = errMsg
	rec.entry.ResolvedAt = t.clock.Now()
	t.pending--

	switch to {
	case Resolved:
		t.stats.TotalResolved++
	case Failed:
		t.stats.TotalFailed++
	case Expired:
		t.stats.TotalExpired++
	}

	rec.handle.complete(rec.entry)
	return nil
}

// Read returns a copy of the entry. Under ConsumeOnRead a terminal entry is
// removed once it has been returned.
func (t *Table) Read(id string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.entries[id]
	if !exists {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e := rec.entry
	if t.opts.Mode == ConsumeOnRead && e.Status.Terminal() {
		delete(t.entries, id)
		t.stats.TotalEvicted++
	}
	return e, nil
}

// Reap expires Pending entries older than the task timeout and evicts terminal
// entries past the retention window.
func (t *Table) Reap() (expired, evicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	// Collect candidates first to avoid map modification during iteration
	var overdue, stale []string
	for id, rec := range t.entries {
		switch {
		case rec.entry.Status == Pending:
			if t.opts.TaskTimeout > 0 && now.Sub(rec.entry.CreatedAt) > t.opts.TaskTimeout {
				overdue = append(overdue, id)
			}
		case t.opts.Retention > 0 && now.Sub(rec.entry.ResolvedAt) > t.opts.Retention:
			stale = append(stale, id)
		}
	}

	for _, id := range overdue {
		if err := t.transitionLocked(id, Expired, nil, expiredReason); err != nil {
			continue
		}
		rec := t.entries[id]
		t.log.Info().Str("id", id).Dur("age", now.Sub(rec.entry.CreatedAt)).Msg("task expired")
	}

	for _, id := range stale {
		delete(t.entries, id)
		t.stats.TotalEvicted++
	}

	return len(overdue), len(stale)
}

// Stats returns metrics for the metrics endpoint.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.Live = len(t.entries)
	for _, rec := range t.entries {
		switch rec.entry.Status {
		case Pending:
			s.Pending++
		case Resolved:
			s.Resolved++
		case Failed:
			s.Failed++
		case Expired:
			s.Expired++
		}
	}
	return s
}
