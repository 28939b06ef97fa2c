package gpusync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
	"github.com/gogpu/gpusync/internal/submission"
	"github.com/gogpu/gpusync/internal/track"
)

// Token identifies one submission. Tokens are issued in increasing order
// and stay valid until the submission is retired.
type Token = submission.Token

// Context is the tracking state of one device: its resource table, its
// queues and their in-flight submissions.
//
// All methods are safe for concurrent use. Recorders created from the
// context may be recorded on different goroutines at the same time.
type Context struct {
	id      uuid.UUID
	device  hal.Device
	table   *track.Table
	tracker *submission.Tracker
	policy  barrier.Policy
	logger  *slog.Logger
	metrics *metrics

	onRelease func(access.ResourceID)

	// scopes maps live scope ids to their bookkeeping. A scope leaves the
	// map when it retires or is rolled back.
	scopes    sync.Map
	nextScope atomic.Uint64

	mu     sync.Mutex
	closed bool
	poison error
}

// NewContext creates the tracking context for device. queues maps the
// queue ids used in access declarations to the device's hal queues.
//
// The context does not take ownership of device or queues; the caller
// destroys them after Close.
func NewContext(device hal.Device, queues map[access.QueueID]hal.Queue, opts ...Option) (*Context, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = Logger()
	}

	id := uuid.New()
	logger = logger.With(slog.String("context", id.String()))
	c := &Context{
		id:        id,
		device:    device,
		table:     track.NewTable(),
		policy:    o.policy,
		logger:    logger,
		onRelease: o.onRelease,
	}
	c.tracker = submission.New(queues, o.pollInterval, logger)
	c.metrics = newMetrics(o.registerer, id, func() float64 {
		return float64(c.tracker.InFlight())
	})

	logger.Info("gpusync: context created",
		slog.Int("queues", len(queues)),
		slog.String("fallback", o.policy.Mode.String()),
		slog.Int("max_barriers", o.policy.MaxBarriers))
	return c, nil
}

// ID returns the context's instance id.
func (c *Context) ID() uuid.UUID { return c.id }

// Queues returns the queue ids the context was created with.
func (c *Context) Queues() []access.QueueID { return c.tracker.QueueIDs() }

// check fails fast on closed or poisoned contexts.
func (c *Context) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poison != nil {
		return &poisonedError{cause: c.poison}
	}
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

// Err returns the device failure that poisoned the context, or nil.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poison
}

// deviceFailure wraps a hal error, poisons the context and returns the
// error to hand to the caller.
func (c *Context) deviceFailure(op string, err error) error {
	derr := &DeviceError{Op: op, Err: err}
	c.mu.Lock()
	first := c.poison == nil
	if first {
		c.poison = derr
	}
	c.mu.Unlock()
	if first {
		c.logger.Error("gpusync: device failure, context poisoned",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
	return derr
}

// Close tears the context down. It fails with ErrResourceInUse while any
// submission is still in flight; call WaitIdle first. Resources the
// context created are destroyed on the device.
//
// Close is idempotent.
func (c *Context) Close() error {
	c.tracker.Poll()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if n := c.tracker.InFlight(); n > 0 {
		c.mu.Unlock()
		return fmt.Errorf("close: %d submissions: %w", n, ErrResourceInUse)
	}
	c.closed = true
	c.mu.Unlock()

	released := 0
	for _, e := range c.table.Entries() {
		e.Lock()
		e.MarkDestroyed()
		e.Unlock()
		c.release(e)
		released++
	}
	c.logger.Info("gpusync: context closed", slog.Int("released", released))
	return nil
}

// scope is the bookkeeping shared between a recorder and the recorders
// that depend on the state it recorded.
type scope struct {
	id    uint64
	queue access.QueueID

	mu        sync.Mutex
	submitted bool
	abandoned bool
	token     Token
}

func (s *scope) status() (submitted, abandoned bool, tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted, s.abandoned, s.token
}

func (c *Context) newScope(q access.QueueID) *scope {
	s := &scope{id: c.nextScope.Add(1), queue: q}
	c.scopes.Store(s.id, s)
	return s
}

func (c *Context) lookupScope(id uint64) (*scope, bool) {
	if id == 0 {
		return nil, false
	}
	v, ok := c.scopes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*scope), true
}

func (c *Context) dropScope(s *scope) { c.scopes.Delete(s.id) }

// IsComplete reports whether the submission behind tok has finished on
// the device. It does not retire the submission; Poll or Wait do.
func (c *Context) IsComplete(tok Token) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.tracker.IsComplete(tok)
}

// Poll retires every completed submission and returns their tokens.
func (c *Context) Poll() ([]Token, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.tracker.Poll(), nil
}

// Wait blocks until the submission behind tok completes and retires it.
// A zero timeout waits until ctx is done. An elapsed timeout returns an
// error matching ErrTimeout; unknown and retired tokens return
// ErrUnknownToken and ErrTokenRetired instead.
func (c *Context) Wait(ctx context.Context, tok Token, timeout time.Duration) error {
	if err := c.check(); err != nil {
		return err
	}
	start := time.Now()
	err := c.tracker.Wait(ctx, tok, timeout)
	c.metrics.waits.Observe(time.Since(start).Seconds())
	return err
}

// WaitIdle waits for every submission in flight when it is called.
func (c *Context) WaitIdle(ctx context.Context, timeout time.Duration) error {
	if err := c.check(); err != nil {
		return err
	}
	start := time.Now()
	err := c.tracker.WaitIdle(ctx, timeout)
	c.metrics.waits.Observe(time.Since(start).Seconds())
	return err
}

// InFlight returns the number of submissions not yet retired.
func (c *Context) InFlight() int { return c.tracker.InFlight() }

// waitScope waits for a dependency submitted on another queue. hal
// submissions carry no cross-queue semaphores, so the host waits instead.
func (c *Context) waitScope(ctx context.Context, tok Token) error {
	err := c.tracker.Wait(ctx, tok, 0)
	if errors.Is(err, ErrTokenRetired) {
		return nil
	}
	return err
}

func queueLabel(q access.QueueID) string { return strconv.FormatUint(uint64(q), 10) }
