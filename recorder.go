package gpusync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
	"github.com/gogpu/gpusync/internal/hazard"
	"github.com/gogpu/gpusync/internal/interval"
	"github.com/gogpu/gpusync/internal/track"
)

// State is the position of a Recorder in its lifecycle.
type State int32

// Recorder states.
const (
	// StateInitial is the state of a new recorder, before Begin.
	StateInitial State = iota

	// StateRecording accepts declared operations.
	StateRecording

	// StateExecutable is reached by End. Nothing more can be declared.
	StateExecutable

	// StateSubmitted is reached by Submit.
	StateSubmitted

	// StateRetired is reached when the device finished the submission
	// and it has been retired by Poll or Wait.
	StateRetired

	// StateInvalid is terminal. It is reached on misuse, on device
	// failure and by Abandon.
	StateInvalid
)

var stateNames = [...]string{
	StateInitial:    "initial",
	StateRecording:  "recording",
	StateExecutable: "executable",
	StateSubmitted:  "submitted",
	StateRetired:    "retired",
	StateInvalid:    "invalid",
}

// String returns a human-readable state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// use marks how a submission touches a span.
type use struct {
	read, write bool
}

// Recorder builds one command buffer for one queue and keeps the tracked
// state of every resource it touches up to date as operations are
// declared.
//
// State machine:
//
//	Initial ──Begin──► Recording ──End──► Executable ──Submit──► Submitted ──(retire)──► Retired
//	                       │                  │
//	                       └────Abandon───────┴──────────► Invalid
//
// Any operation attempted in the wrong state fails with a *StateError and
// moves the recorder to Invalid without touching tracked state. A recorder
// that became Invalid before it was submitted keeps its recorded state in
// the table until Abandon rolls it back.
//
// A Recorder is not safe for concurrent use: two goroutines declaring
// into the same recorder get ErrConcurrentRecording. Different recorders
// may be recorded concurrently.
type Recorder struct {
	ctx   *Context
	queue access.QueueID
	label string

	busy atomic.Bool

	mu         sync.Mutex
	state      State
	scope      *scope
	encoder    hal.CommandEncoder
	cmdBuf     hal.CommandBuffer
	batch      *barrier.Batch
	commands   []SyncCommand
	releases   map[access.QueueID]*barrier.Command
	relBufs    map[access.QueueID]hal.CommandBuffer
	relToks    []releaseToken
	relEncs    []hal.CommandEncoder
	undo       map[*track.Entry]*interval.Map[track.State]
	touched    map[*track.Entry]*interval.Map[use]
	deps       map[uint64]*scope
	token      Token
	rolledBack bool
}

// NewRecorder creates a recorder for queue q in StateInitial.
func (c *Context) NewRecorder(q access.QueueID, label string) (*Recorder, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if _, ok := c.tracker.Queue(q); !ok {
		return nil, fmt.Errorf("new recorder %q on queue %d: %w", label, q, ErrUnknownQueue)
	}
	return &Recorder{
		ctx:   c,
		queue: q,
		label: label,
		batch: barrier.NewBatch(c.policy),
	}, nil
}

// Queue returns the queue the recorder records for.
func (r *Recorder) Queue() access.QueueID { return r.queue }

// Label returns the recorder's debug label.
func (r *Recorder) Label() string { return r.label }

// State returns the current state.
func (r *Recorder) State() State {
	if r == nil {
		return StateInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Token returns the completion token of the submission, or zero before
// Submit.
func (r *Recorder) Token() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Commands returns the synchronization commands emitted so far, in
// emission order. Release halves of ownership transfers are listed after
// End.
func (r *Recorder) Commands() []SyncCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.commands)
}

// enter takes the exclusivity guard.
func (r *Recorder) enter(op string) error {
	if r == nil {
		return fmt.Errorf("%s: recorder is nil: %w", op, ErrInvalidState)
	}
	if !r.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", op, ErrConcurrentRecording)
	}
	return nil
}

func (r *Recorder) leave() { r.busy.Store(false) }

// misuseLocked moves the recorder to Invalid and returns the state error
// for op. r.mu must be held.
func (r *Recorder) misuseLocked(op string) error {
	err := &StateError{Op: op, State: r.state}
	if r.state != StateInvalid {
		r.ctx.logger.Warn("gpusync: recorder misuse",
			slog.String("recorder", r.label),
			slog.String("op", op),
			slog.String("state", r.state.String()))
		if r.scope != nil && r.state != StateSubmitted && r.state != StateRetired {
			r.scope.mu.Lock()
			r.scope.abandoned = true
			r.scope.mu.Unlock()
		}
		r.state = StateInvalid
	}
	return err
}

// checkRecordingLocked validates that the recorder accepts declarations.
// r.mu must be held.
func (r *Recorder) checkRecordingLocked(op string) error {
	if r.state != StateRecording {
		return r.misuseLocked(op)
	}
	return nil
}

// Begin opens the recording scope.
func (r *Recorder) Begin() error {
	if err := r.enter("begin"); err != nil {
		return err
	}
	defer r.leave()
	if err := r.ctx.check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInitial {
		return r.misuseLocked("begin")
	}

	enc, err := r.ctx.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: r.label})
	if err != nil {
		r.state = StateInvalid
		return r.ctx.deviceFailure("begin", err)
	}
	if err := enc.BeginEncoding(r.label); err != nil {
		enc.Destroy()
		r.state = StateInvalid
		return r.ctx.deviceFailure("begin", err)
	}

	r.encoder = enc
	r.scope = r.ctx.newScope(r.queue)
	r.releases = make(map[access.QueueID]*barrier.Command)
	r.undo = make(map[*track.Entry]*interval.Map[track.State])
	r.touched = make(map[*track.Entry]*interval.Map[use])
	r.deps = make(map[uint64]*scope)
	r.state = StateRecording
	r.ctx.logger.Debug("gpusync: recording begun",
		slog.String("recorder", r.label),
		slog.Uint64("scope", r.scope.id),
		slog.Uint64("queue", uint64(r.queue)))
	return nil
}

// Declare records accesses that are performed by commands the caller
// encodes itself, typically through Encoder. Every required
// synchronization is emitted before Declare returns.
func (r *Recorder) Declare(accesses ...access.Access) error {
	return r.record("declare", accesses, nil)
}

// Execute declares accesses and then calls fn with the native encoder so
// the caller can append the commands performing them. fn runs after the
// synchronization for the accesses has been emitted.
func (r *Recorder) Execute(op string, accesses []access.Access, fn func(hal.CommandEncoder)) error {
	if op == "" {
		op = "execute"
	}
	return r.record(op, accesses, fn)
}

// Encoder returns the native encoder for commands that Declare describes.
// It is nil outside StateRecording.
func (r *Recorder) Encoder() hal.CommandEncoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return nil
	}
	return r.encoder
}

// resolved is one declared access after handle lookup and linearization.
type resolved struct {
	acc   access.Access
	entry *track.Entry
	spans []interval.Span
	use   hazard.Use
}

// pending is one piece of tracked state a command is about to update.
type pending struct {
	entry *track.Entry
	span  interval.Span
	use   hazard.Use
	h     hazard.Hazard
}

// releaseToken is a release half already handed to its source queue.
type releaseToken struct {
	queue access.QueueID
	token Token
}

// step is the combined effect of every use one command makes of a span.
type step struct {
	use hazard.Use
	h   hazard.Hazard
}

// record runs the declare pipeline for one native command: lookup,
// hazard detection against the table, one combined synchronization
// command, state update, then the native command itself.
func (r *Recorder) record(op string, accesses []access.Access, native func(hal.CommandEncoder)) error {
	if err := r.enter(op); err != nil {
		return err
	}
	defer r.leave()
	if err := r.ctx.check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRecordingLocked(op); err != nil {
		return err
	}

	res, err := r.resolve(op, accesses)
	if err != nil {
		return err
	}

	entries := make([]*track.Entry, len(res))
	for i := range res {
		entries[i] = res[i].entry
	}
	entries = track.SortEntries(entries)
	track.LockAll(entries)
	defer track.UnlockAll(entries)

	if err := r.validateLocked(op, res); err != nil {
		return err
	}

	// Detect everything against the state as it was before the command,
	// then apply. Accesses of one command execute together.
	var work []pending
	for _, rs := range res {
		for _, span := range rs.spans {
			for _, piece := range rs.entry.States(span) {
				h := hazard.Detect(piece.Value, rs.use)
				r.batch.Add(rs.entry, piece.Span, h)
				work = append(work, pending{entry: rs.entry, span: piece.Span, use: rs.use, h: h})
				r.snapshotLocked(rs.entry, piece)
			}
		}
	}

	cmd := r.batch.Build()
	if !cmd.IsEmpty() {
		if cmd.Coarse {
			r.ctx.logger.Warn("gpusync: coarse synchronization",
				slog.String("recorder", r.label),
				slog.String("op", op),
				slog.String("reason", r.batch.Reason()))
		}
		barrier.Emit(r.encoder, cmd)
		for _, q := range cmd.ReleaseQueues() {
			rel, ok := r.releases[q]
			if !ok {
				rel = &barrier.Command{}
				r.releases[q] = rel
			}
			rel.Append(cmd.Release(q))
		}
		r.commands = append(r.commands, newSyncCommand(op, false, cmd))
		r.ctx.metrics.observeCommand(cmd)
		r.ctx.logger.Debug("gpusync: synchronization emitted",
			slog.String("recorder", r.label),
			slog.String("op", op),
			slog.String("command", cmd.String()))
	}

	// Overlapping uses of one command execute together, so they advance
	// the state once with their union.
	steps := make(map[*track.Entry]*interval.Map[step], len(entries))
	for _, w := range work {
		m := steps[w.entry]
		if m == nil {
			m = &interval.Map[step]{}
			steps[w.entry] = m
		}
		m.Update(w.span, func(old step, present bool) (step, bool) {
			if !present {
				return step{use: w.use, h: w.h}, true
			}
			return step{use: old.use.Union(w.use), h: old.h.Union(w.h)}, true
		})
		r.markTouchedLocked(w.entry, w.span, w.use.Writes())
	}
	id := r.scope.id
	for _, e := range entries {
		m := steps[e]
		if m == nil {
			continue
		}
		for _, s := range m.Entries() {
			e.UpdateStates(s.Span, func(cur track.State) track.State {
				return hazard.Apply(cur, s.Value.use, s.Value.h, id)
			})
		}
	}

	if native != nil {
		native(r.encoder)
	}
	return nil
}

// resolve looks up every access and linearizes its range. Nothing is
// locked or mutated.
func (r *Recorder) resolve(op string, accesses []access.Access) ([]resolved, error) {
	res := make([]resolved, 0, len(accesses))
	for _, a := range accesses {
		if a.Stages.IsEmpty() || a.Access == access.None {
			return nil, fmt.Errorf("%s: %s: %w", op, a, ErrInvalidAccess)
		}
		e, err := r.ctx.table.Lookup(a.Resource)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		spans, err := e.Spans(a.Range)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.Queue = r.queue
		sharing := e.Sharing()
		if !sharing.Allows(a.Queue) {
			return nil, &ConflictError{
				Resource: a.Resource,
				Reason:   fmt.Sprintf("%s: queue %d is not in the resource's concurrent sharing set %v", op, a.Queue, sharing.Queues()),
			}
		}
		res = append(res, resolved{
			acc:   a,
			entry: e,
			spans: spans,
			use: hazard.Use{
				Kind:      e.Kind(),
				Stages:    a.Stages,
				Access:    a.Access,
				Layout:    a.Layout,
				Queue:     a.Queue,
				Exclusive: !sharing.IsConcurrent(),
			},
		})
	}
	return res, nil
}

// validateLocked rejects commands that cannot be synchronized. Entry locks
// must be held.
func (r *Recorder) validateLocked(op string, res []resolved) error {
	for i, a := range res {
		if a.entry.Destroyed() {
			return fmt.Errorf("%s: resource %d: %w", op, a.acc.Resource, ErrUseAfterFree)
		}
		for _, b := range res[i+1:] {
			if a.entry != b.entry || !interval.AnyOverlap(a.spans, b.spans) {
				continue
			}
			if reason := hazard.Conflict(a.use, b.use); reason != "" {
				return &ConflictError{Resource: a.acc.Resource, Reason: op + ": " + reason}
			}
		}
		for _, span := range a.spans {
			for _, l := range a.entry.HostLocks(span) {
				if l.Value.Writer || (l.Value.Readers > 0 && a.use.Writes()) {
					return &ConflictError{
						Resource: a.acc.Resource,
						Reason:   fmt.Sprintf("%s: range %s is locked for host access", op, l.Span),
					}
				}
			}
		}
	}
	return nil
}

// snapshotLocked remembers the state a piece had before this scope first
// touched it and notes the scope that recorded it. The entry lock must be
// held.
func (r *Recorder) snapshotLocked(e *track.Entry, piece interval.Entry[track.State]) {
	prev := piece.Value
	if prev.Scope == r.scope.id {
		return
	}
	m, ok := r.undo[e]
	if !ok {
		m = &interval.Map[track.State]{}
		r.undo[e] = m
	}
	m.Update(piece.Span, func(old track.State, present bool) (track.State, bool) {
		if present {
			return old, true
		}
		return prev, true
	})
	if dep, ok := r.ctx.lookupScope(prev.Scope); ok {
		r.deps[dep.id] = dep
	}
}

func (r *Recorder) markTouchedLocked(e *track.Entry, span interval.Span, write bool) {
	m, ok := r.touched[e]
	if !ok {
		m = &interval.Map[use]{}
		r.touched[e] = m
	}
	m.Update(span, func(old use, _ bool) (use, bool) {
		if write {
			old.write = true
		} else {
			old.read = true
		}
		return old, true
	})
}

// End closes the recording scope and encodes the command buffers: one per
// source queue holding the release halves of ownership transfers, then
// the recorder's own.
func (r *Recorder) End() error {
	if err := r.enter("end"); err != nil {
		return err
	}
	defer r.leave()
	if err := r.ctx.check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkRecordingLocked("end"); err != nil {
		return err
	}

	queues := slices.Sorted(maps.Keys(r.releases))
	r.relBufs = make(map[access.QueueID]hal.CommandBuffer, len(queues))
	for _, q := range queues {
		rel := *r.releases[q]
		buf, err := r.encodeRelease(q, rel)
		if err != nil {
			r.invalidateLocked()
			return r.ctx.deviceFailure("end", err)
		}
		r.relBufs[q] = buf
		r.commands = append(r.commands, newSyncCommand("release", true, rel))
	}

	buf, err := r.encoder.EndEncoding()
	if err != nil {
		r.invalidateLocked()
		return r.ctx.deviceFailure("end", err)
	}
	r.cmdBuf = buf
	r.state = StateExecutable
	r.ctx.logger.Debug("gpusync: recording ended",
		slog.String("recorder", r.label),
		slog.Int("sync_commands", len(r.commands)),
		slog.Int("release_queues", len(queues)))
	return nil
}

func (r *Recorder) encodeRelease(q access.QueueID, rel barrier.Command) (hal.CommandBuffer, error) {
	label := fmt.Sprintf("%s/release-%d", r.label, q)
	enc, err := r.ctx.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, err
	}
	r.relEncs = append(r.relEncs, enc)
	if err := enc.BeginEncoding(label); err != nil {
		return nil, err
	}
	barrier.Emit(enc, rel)
	return enc.EndEncoding()
}

// invalidateLocked moves the recorder to Invalid after a device failure.
// r.mu must be held.
func (r *Recorder) invalidateLocked() {
	r.state = StateInvalid
	if r.scope != nil {
		r.scope.mu.Lock()
		r.scope.abandoned = true
		r.scope.mu.Unlock()
	}
}

// Abandon discards a recorder that has not been submitted and rolls its
// recorded state back, so other recorders observe the state from before
// it began. Ranges a later recorder has already built on cannot be
// restored; they become indeterminate, their next access is synchronized
// with a coarse barrier from an undefined layout, and the later recorder
// fails to submit with ErrDependencyAbandoned.
//
// Abandon is legal in Recording, Executable and in Invalid for recorders
// never submitted. The recorder ends in Invalid.
func (r *Recorder) Abandon() error {
	if err := r.enter("abandon"); err != nil {
		return err
	}
	defer r.leave()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateInitial:
		r.state = StateInvalid
		return nil
	case StateRecording, StateExecutable:
	case StateInvalid:
		if r.rolledBack || r.scope == nil || r.token != 0 {
			return nil
		}
	default:
		return r.misuseLocked("abandon")
	}

	wasRecording := r.state == StateRecording
	r.invalidateLocked()
	restored, lost := r.rollbackLocked()
	r.rolledBack = true
	r.ctx.dropScope(r.scope)
	r.freeNative(wasRecording)
	r.ctx.metrics.rollbacks.Inc()

	level := slog.LevelDebug
	if lost > 0 {
		level = slog.LevelWarn
	}
	r.ctx.logger.Log(context.Background(), level, "gpusync: recorder abandoned",
		slog.String("recorder", r.label),
		slog.Int("restored", restored),
		slog.Int("indeterminate", lost))
	return nil
}

// rollbackLocked restores the pieces this scope still owns and marks the
// ones another scope took over as indeterminate. It returns how many of
// each it found.
func (r *Recorder) rollbackLocked() (restored, lost int) {
	me := r.scope.id
	entries := slices.SortedFunc(maps.Keys(r.undo), func(a, b *track.Entry) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	for _, e := range entries {
		e.Lock()
		for _, snap := range r.undo[e].Entries() {
			old := snap.Value
			if dep, ok := r.deps[old.Scope]; ok {
				if _, abandoned, _ := dep.status(); abandoned {
					old.Indeterminate = true
				}
			}
			e.UpdateStates(snap.Span, func(cur track.State) track.State {
				if cur.Scope == me {
					restored++
					return old
				}
				lost++
				cur.Indeterminate = true
				return cur
			})
		}
		e.Unlock()
	}
	return restored, lost
}

// freeNative releases the native encoders and command buffers of a
// recorder that will never execute or has finished executing.
func (r *Recorder) freeNative(recording bool) {
	dev := r.ctx.device
	if r.encoder != nil {
		if recording {
			r.encoder.DiscardEncoding()
		}
		if r.cmdBuf != nil {
			r.encoder.ResetAll([]hal.CommandBuffer{r.cmdBuf})
			dev.FreeCommandBuffer(r.cmdBuf)
		}
		r.encoder.Destroy()
		r.encoder = nil
		r.cmdBuf = nil
	}
	for _, buf := range r.relBufs {
		dev.FreeCommandBuffer(buf)
	}
	for _, enc := range r.relEncs {
		enc.Destroy()
	}
	r.relBufs = nil
	r.relEncs = nil
}
