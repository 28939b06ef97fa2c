// Package submission tracks command buffers submitted to hal queues until
// the device reports them complete.
package submission

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
)

var (
	// ErrUnknownToken is returned for tokens the tracker never issued.
	ErrUnknownToken = errors.New("gpusync: unknown completion token")

	// ErrTokenRetired is returned for tokens whose submission has already
	// been retired.
	ErrTokenRetired = errors.New("gpusync: completion token already retired")

	// ErrUnknownQueue is returned for queues the tracker was not given.
	ErrUnknownQueue = errors.New("gpusync: unknown queue")
)

// Default polling bounds for Wait.
const (
	DefaultPollInterval = 50 * time.Microsecond
	maxPollInterval     = 5 * time.Millisecond
)

// Token identifies one submission. Tokens are issued in increasing order
// starting at 1.
type Token uint64

// Submission is one in-flight batch of command buffers on a queue.
type Submission struct {
	Token Token
	Queue access.QueueID
	Label string

	// Index is the hal submission index returned by Queue.Submit.
	Index uint64

	submitted time.Time
	onRetire  func()
}

// Age returns how long ago the submission was made.
func (s *Submission) Age() time.Duration { return time.Since(s.submitted) }

// Tracker keeps the per-queue in-flight sets.
type Tracker struct {
	mu       sync.Mutex
	queues   map[access.QueueID]hal.Queue
	last     Token
	inflight map[Token]*Submission
	perQueue map[access.QueueID][]*Submission

	poll   time.Duration
	logger *slog.Logger
}

// New creates a tracker over queues. A zero poll interval selects
// DefaultPollInterval; a nil logger discards output.
func New(queues map[access.QueueID]hal.Queue, poll time.Duration, logger *slog.Logger) *Tracker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	qs := make(map[access.QueueID]hal.Queue, len(queues))
	for id, q := range queues {
		qs[id] = q
	}
	return &Tracker{
		queues:   qs,
		inflight: make(map[Token]*Submission),
		perQueue: make(map[access.QueueID][]*Submission),
		poll:     poll,
		logger:   logger,
	}
}

// Queue returns the hal queue registered under id.
func (t *Tracker) Queue(id access.QueueID) (hal.Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[id]
	return q, ok
}

// QueueIDs returns the registered queue ids in ascending order.
func (t *Tracker) QueueIDs() []access.QueueID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]access.QueueID, 0, len(t.queues))
	for id := range t.queues {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Submit hands bufs to queue q and registers the submission as in flight.
// onRetire runs once, without tracker locks held, when the submission is
// retired. Errors from hal are returned wrapped and nothing is registered.
func (t *Tracker) Submit(q access.QueueID, bufs []hal.CommandBuffer, label string, onRetire func()) (Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue, ok := t.queues[q]
	if !ok {
		return 0, fmt.Errorf("submit %q to queue %d: %w", label, q, ErrUnknownQueue)
	}
	index, err := queue.Submit(bufs)
	if err != nil {
		return 0, fmt.Errorf("submit %q to queue %d: %w", label, q, err)
	}

	t.last++
	s := &Submission{
		Token:     t.last,
		Queue:     q,
		Label:     label,
		Index:     index,
		submitted: time.Now(),
		onRetire:  onRetire,
	}
	t.inflight[s.Token] = s
	t.perQueue[q] = append(t.perQueue[q], s)
	t.logger.Debug("submission tracked",
		slog.Uint64("token", uint64(s.Token)),
		slog.Uint64("queue", uint64(q)),
		slog.Uint64("index", index),
		slog.String("label", label))
	return s.Token, nil
}

// lookupLocked resolves a token. t.mu must be held.
func (t *Tracker) lookupLocked(tok Token) (*Submission, error) {
	if s, ok := t.inflight[tok]; ok {
		return s, nil
	}
	if tok == 0 || tok > t.last {
		return nil, fmt.Errorf("token %d: %w", tok, ErrUnknownToken)
	}
	return nil, fmt.Errorf("token %d: %w", tok, ErrTokenRetired)
}

// completeLocked reports whether the device finished s. t.mu must be held.
func (t *Tracker) completeLocked(s *Submission) bool {
	return t.queues[s.Queue].PollCompleted() >= s.Index
}

// IsComplete reports whether the submission behind tok has finished. It
// does not retire it.
func (t *Tracker) IsComplete(tok Token) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupLocked(tok)
	if err != nil {
		return false, err
	}
	return t.completeLocked(s), nil
}

// Poll retires every completed submission and returns their tokens in
// submission order.
func (t *Tracker) Poll() []Token {
	t.mu.Lock()
	var done []*Submission
	for q, subs := range t.perQueue {
		queue := t.queues[q]
		completed := queue.PollCompleted()
		n := 0
		for n < len(subs) && subs[n].Index <= completed {
			n++
		}
		if n == 0 {
			continue
		}
		done = append(done, subs[:n]...)
		t.perQueue[q] = slices.Delete(subs, 0, n)
		if len(t.perQueue[q]) == 0 {
			delete(t.perQueue, q)
		}
	}
	for _, s := range done {
		delete(t.inflight, s.Token)
	}
	t.mu.Unlock()

	return t.retire(done)
}

// retire runs the retirement hooks of done in token order.
func (t *Tracker) retire(done []*Submission) []Token {
	slices.SortFunc(done, func(a, b *Submission) int { return cmp.Compare(a.Token, b.Token) })
	tokens := make([]Token, len(done))
	for i, s := range done {
		tokens[i] = s.Token
		t.logger.Debug("submission retired",
			slog.Uint64("token", uint64(s.Token)),
			slog.Uint64("queue", uint64(s.Queue)),
			slog.Duration("age", s.Age()))
		if s.onRetire != nil {
			s.onRetire()
		}
	}
	return tokens
}

// Wait blocks until the submission behind tok completes, then retires it
// together with every other completed submission. A timeout of zero waits
// until ctx is done. An elapsed timeout is reported as hal.ErrTimeout.
func (t *Tracker) Wait(ctx context.Context, tok Token, timeout time.Duration) error {
	if ok, err := t.IsComplete(tok); err != nil {
		return err
	} else if ok {
		t.Poll()
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := t.poll
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("wait token %d: %w", tok, hal.ErrTimeout)
			}
			return fmt.Errorf("wait token %d: %w", tok, ctx.Err())
		case <-timer.C:
		}

		ok, err := t.IsComplete(tok)
		if err != nil {
			// Someone else retired it while we slept.
			if errors.Is(err, ErrTokenRetired) {
				return nil
			}
			return err
		}
		if ok {
			t.Poll()
			return nil
		}
		interval = min(interval*2, maxPollInterval)
		timer.Reset(interval)
	}
}

// WaitIdle waits for every submission in flight when it is called.
func (t *Tracker) WaitIdle(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	var latest []Token
	for _, subs := range t.perQueue {
		if len(subs) > 0 {
			latest = append(latest, subs[len(subs)-1].Token)
		}
	}
	t.mu.Unlock()

	for _, tok := range latest {
		if err := t.Wait(ctx, tok, timeout); err != nil && !errors.Is(err, ErrTokenRetired) {
			return err
		}
	}
	return nil
}

// InFlight returns the number of submissions not yet retired.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// InFlightOn returns the number of submissions not yet retired on q.
func (t *Tracker) InFlightOn(q access.QueueID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.perQueue[q])
}

// Pending returns the in-flight submissions ordered by token.
func (t *Tracker) Pending() []Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Submission, 0, len(t.inflight))
	for _, s := range t.inflight {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Submission) int { return cmp.Compare(a.Token, b.Token) })
	return out
}
