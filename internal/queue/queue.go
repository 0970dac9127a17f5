// Package queue tracks signing requests between the moment a dApp asks for
// a signature and the moment the user or a device answers. Entries nobody
// is looking at expire; an entry being shown on an approval surface is
// never expired underneath it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
)

var (
	ErrNotFound        = errors.New("queue: entry not found")
	ErrFinished        = errors.New("queue: entry already finished")
	ErrDuplicateResult = errors.New("queue: duplicate terminal result")

	// ErrExpired is what callers report when an awaited entry timed out.
	ErrExpired = errors.New("queue: request expired")
)

type Kind string

const (
	KindSignTx        Kind = "SIGN_TX"
	KindSignAuthEntry Kind = "SIGN_AUTH_ENTRY"
	KindSignBlob      Kind = "SIGN_BLOB"
)

type State string

const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateDone    State = "DONE"
	StateExpired State = "EXPIRED"
)

func (s State) terminal() bool { return s == StateDone || s == StateExpired }

type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// Result is the single terminal answer of an entry.
type Result struct {
	Outcome Outcome
	Value   any
	Err     error
}

// Entry is a snapshot of a queue entry.
type Entry struct {
	UUID         string    `json:"uuid"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	State        State     `json:"state"`
	Detail       any       `json:"detail,omitempty"`
}

type entry struct {
	Entry
	done       chan struct{}
	result     Result
	finishedAt time.Time
	claimed    bool
}

type Queue struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]*entry
	now      func() time.Time
	onExpire func(Entry)
}

type Option func(*Queue)

// WithOnExpire registers the release hook run for every expired entry.
func WithOnExpire(fn func(Entry)) Option {
	return func(q *Queue) { q.onExpire = fn }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(ttl time.Duration, opts ...Option) *Queue {
	if ttl <= 0 {
		ttl = constants.DefaultQueueTTL
	}
	q := &Queue{
		ttl:     ttl,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) TTL() time.Duration { return q.ttl }

func (q *Queue) Create(kind Kind, detail any) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	e := &entry{
		Entry: Entry{
			UUID:         uuid.NewString(),
			Kind:         kind,
			CreatedAt:    now,
			LastActiveAt: now,
			State:        StatePending,
			Detail:       detail,
		},
		done: make(chan struct{}),
	}
	q.entries[e.UUID] = e
	return e.Entry
}

// Activate marks the entry as shown on an approval surface.
func (q *Queue) Activate(id string) (Entry, error) {
	return q.transition(id, StateActive)
}

// Deactivate returns an ACTIVE entry to PENDING and restarts its TTL.
// A claimed entry stays ACTIVE until its result is delivered.
func (q *Queue) Deactivate(id string) (Entry, error) {
	return q.transition(id, StatePending)
}

// Claim reserves the entry for the one decision that may complete it.
// The entry moves to ACTIVE and no other caller can claim it again; a
// claimed or finished entry returns ErrDuplicateResult.
func (q *Queue) Claim(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.claimed || e.State.terminal() {
		log.Error("duplicate decision for signing request", "uuid", id, "state", string(e.State), "claimed", e.claimed)
		return e.Entry, fmt.Errorf("%w: %s is %s", ErrDuplicateResult, id, e.State)
	}
	e.claimed = true
	e.State = StateActive
	e.LastActiveAt = q.now()
	return e.Entry, nil
}

func (q *Queue) transition(id string, to State) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State.terminal() {
		return e.Entry, fmt.Errorf("%w: %s is %s", ErrFinished, id, e.State)
	}
	if e.claimed {
		return e.Entry, nil
	}
	e.State = to
	e.LastActiveAt = q.now()
	return e.Entry, nil
}

// Complete delivers the terminal result. A second delivery for the same
// entry is rejected with ErrDuplicateResult.
func (q *Queue) Complete(id string, res Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.State.terminal() {
		log.Error("duplicate terminal result for signing request", "uuid", id, "state", string(e.State), "outcome", string(res.Outcome))
		return fmt.Errorf("%w: %s is %s", ErrDuplicateResult, id, e.State)
	}
	q.finishLocked(e, StateDone, res)
	return nil
}

// Await blocks until the entry has a terminal result or ctx is done.
func (q *Queue) Await(ctx context.Context, id string) (Result, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return e.result, nil
	}
}

func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Entry, nil
}

// List returns the live (non-terminal) entries, oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.State.terminal() {
			out = append(out, e.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep expires PENDING entries idle for longer than the TTL and drops
// tombstones older than one TTL. ACTIVE entries are never touched.
func (q *Queue) Sweep(now time.Time) []Entry {
	q.mu.Lock()
	var expired []Entry
	for id, e := range q.entries {
		switch {
		case e.State == StatePending && now.Sub(e.LastActiveAt) > q.ttl:
			q.finishLocked(e, StateExpired, Result{Outcome: OutcomeExpired})
			e.finishedAt = now
			expired = append(expired, e.Entry)
		case e.State.terminal() && now.Sub(e.finishedAt) > q.ttl:
			delete(q.entries, id)
		}
	}
	hook := q.onExpire
	q.mu.Unlock()

	for _, e := range expired {
		log.Info("signing request expired", "uuid", e.UUID, "kind", string(e.Kind))
		if hook != nil {
			hook(e)
		}
	}
	return expired
}

// Run sweeps every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultQueueSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Sweep(q.now())
		}
	}
}

func (q *Queue) finishLocked(e *entry, state State, res Result) {
	e.State = state
	e.result = res
	e.finishedAt = q.now()
	close(e.done)
}
