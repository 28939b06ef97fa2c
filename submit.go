package gpusync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/internal/track"
)

// Submit hands the recorded command buffer to the recorder's queue and
// returns its completion token.
//
// Recorders whose accesses were synchronized against state recorded by
// another recorder must be submitted after it: Submit fails with
// ErrSubmissionOrder while such a predecessor is unsubmitted and with
// ErrDependencyAbandoned if it was abandoned. Both leave the recorder
// Executable. Release halves of ownership transfers are submitted on
// their source queues first. Predecessors and releases on other queues
// are waited for on the host before the command buffer is submitted,
// which is the only blocking Submit does; ctx bounds that wait.
func (r *Recorder) Submit(ctx context.Context) (Token, error) {
	if err := r.enter("submit"); err != nil {
		return 0, err
	}
	defer r.leave()
	if err := r.ctx.check(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateExecutable {
		return 0, r.misuseLocked("submit")
	}

	waits, err := r.dependencyWaits()
	if err != nil {
		return 0, err
	}

	entries := r.touchedEntries()
	track.LockAll(entries)
	for _, e := range entries {
		if e.Destroyed() {
			track.UnlockAll(entries)
			return 0, fmt.Errorf("submit %q: resource %d: %w", r.label, e.ID(), ErrUseAfterFree)
		}
	}
	track.UnlockAll(entries)

	for _, tok := range waits {
		if err := r.ctx.waitScope(ctx, tok); err != nil {
			return 0, fmt.Errorf("submit %q: waiting for predecessor: %w", r.label, err)
		}
	}

	// Releases go out one by one and their tokens are kept, so a retry
	// after a cancelled wait neither submits them twice nor skips waiting
	// for them.
	for _, q := range slices.Sorted(maps.Keys(r.relBufs)) {
		buf := r.relBufs[q]
		tok, err := r.ctx.tracker.Submit(q, []hal.CommandBuffer{buf}, r.label+"/release", nil)
		if err != nil {
			r.invalidateLocked()
			return 0, r.ctx.deviceFailure("submit release", err)
		}
		delete(r.relBufs, q)
		r.relToks = append(r.relToks, releaseToken{queue: q, token: tok})
		r.ctx.metrics.observeSubmit(q)
	}
	for _, rel := range r.relToks {
		if err := r.ctx.waitScope(ctx, rel.token); err != nil {
			return 0, fmt.Errorf("submit %q: waiting for release on queue %d: %w", r.label, rel.queue, err)
		}
	}

	// Count the submission in flight before the device can complete it,
	// so a concurrent Poll never retires uses that were not added yet.
	r.addInFlight(entries, 1)
	tok, err := r.ctx.tracker.Submit(r.queue, []hal.CommandBuffer{r.cmdBuf}, r.label, r.retire)
	if err != nil {
		r.addInFlight(entries, -1)
		r.invalidateLocked()
		return 0, r.ctx.deviceFailure("submit", err)
	}

	r.scope.mu.Lock()
	r.scope.submitted = true
	r.scope.token = tok
	r.scope.mu.Unlock()

	r.token = tok
	r.state = StateSubmitted
	r.ctx.metrics.observeSubmit(r.queue)
	r.ctx.logger.Debug("gpusync: recorder submitted",
		slog.String("recorder", r.label),
		slog.Uint64("token", uint64(tok)),
		slog.Uint64("queue", uint64(r.queue)),
		slog.Int("resources", len(entries)))
	return tok, nil
}

// dependencyWaits checks every predecessor and returns the tokens of those
// submitted on other queues.
func (r *Recorder) dependencyWaits() ([]Token, error) {
	deps := slices.SortedFunc(maps.Values(r.deps), func(a, b *scope) int {
		return cmp.Compare(a.id, b.id)
	})
	var waits []Token
	for _, dep := range deps {
		submitted, abandoned, tok := dep.status()
		switch {
		case submitted && dep.queue != r.queue:
			waits = append(waits, tok)
		case submitted:
		case abandoned:
			return nil, fmt.Errorf("submit %q: scope %d: %w", r.label, dep.id, ErrDependencyAbandoned)
		default:
			return nil, fmt.Errorf("submit %q: scope %d: %w", r.label, dep.id, ErrSubmissionOrder)
		}
	}
	return waits, nil
}

// touchedEntries returns the entries the recorder touched, sorted for
// locking.
func (r *Recorder) touchedEntries() []*track.Entry {
	return track.SortEntries(slices.Collect(maps.Keys(r.touched)))
}

// addInFlight adds delta to the in-flight counts of every span the
// recorder touched.
func (r *Recorder) addInFlight(entries []*track.Entry, delta int32) {
	for _, e := range entries {
		e.Lock()
		for _, p := range r.touched[e].Entries() {
			if p.Value.write {
				e.AddGPUUse(p.Span, true, delta)
			}
			if p.Value.read {
				e.AddGPUUse(p.Span, false, delta)
			}
		}
		e.AddInFlight(int(delta))
		e.Unlock()
	}
}

// retire runs when the tracker retires the recorder's submission.
func (r *Recorder) retire() {
	entries := r.touchedEntries()
	r.addInFlight(entries, -1)

	var dead []*track.Entry
	for _, e := range entries {
		e.Lock()
		if e.Destroyed() && e.InFlight() == 0 {
			dead = append(dead, e)
		}
		e.Unlock()
	}
	for _, e := range dead {
		r.ctx.release(e)
	}
	r.ctx.dropScope(r.scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateSubmitted {
		r.state = StateRetired
	}
	r.freeNative(false)
}

// Wait blocks until the recorder's submission completes. It is a
// shorthand for Context.Wait with the recorder's token.
func (r *Recorder) Wait(ctx context.Context) error {
	tok := r.Token()
	if tok == 0 {
		return fmt.Errorf("wait %q: %w", r.label, &StateError{Op: "wait", State: r.State()})
	}
	err := r.ctx.Wait(ctx, tok, 0)
	if errors.Is(err, ErrTokenRetired) {
		return nil
	}
	return err
}

// SubmitAll submits recorders in order on their queues and returns their
// tokens. It stops at the first failure.
func (c *Context) SubmitAll(ctx context.Context, recs ...*Recorder) ([]Token, error) {
	toks := make([]Token, 0, len(recs))
	for _, r := range recs {
		tok, err := r.Submit(ctx)
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok)
	}
	return toks, nil
}
