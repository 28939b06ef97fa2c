package gpusync

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/hazard"
	"github.com/gogpu/gpusync/internal/interval"
	"github.com/gogpu/gpusync/internal/track"
)

// HostAccess is a host (CPU) lock on a resource range. While it is held,
// declaring GPU writes to the range fails, and so does any GPU access if
// the lock is a write lock. Release it when the CPU is done.
type HostAccess struct {
	ctx   *Context
	entry *track.Entry
	spans []interval.Span
	write bool

	mu       sync.Mutex
	released bool
	mapped   bool
}

// HostRead takes a shared host lock on a range. It fails with
// ErrHostAccessConflict while GPU work that writes the range is recorded
// or in flight.
func (c *Context) HostRead(id access.ResourceID, r access.Range) (*HostAccess, error) {
	return c.hostAccess("host read", id, r, false)
}

// HostWrite takes an exclusive host lock on a range. It fails with
// ErrHostAccessConflict while any GPU work touching the range is recorded
// or in flight, or another host lock overlaps it.
func (c *Context) HostWrite(id access.ResourceID, r access.Range) (*HostAccess, error) {
	return c.hostAccess("host write", id, r, true)
}

func (c *Context) hostAccess(op string, id access.ResourceID, r access.Range, write bool) (*HostAccess, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	e, err := c.table.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	spans, err := e.Spans(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	e.Lock()
	defer e.Unlock()
	if e.Destroyed() {
		return nil, fmt.Errorf("%s: resource %d: %w", op, id, ErrUseAfterFree)
	}
	for _, span := range spans {
		if err := c.hostConflictLocked(e, span, write); err != nil {
			return nil, fmt.Errorf("%s: resource %d %s: %w", op, id, span, err)
		}
	}

	flags := access.HostRead
	if write {
		flags = access.HostWrite
	}
	for _, span := range spans {
		e.UpdateHostLocks(span, func(l track.HostLock) track.HostLock {
			if write {
				l.Writer = true
			} else {
				l.Readers++
			}
			return l
		})
		e.UpdateStates(span, func(cur track.State) track.State {
			u := hazard.Use{
				Kind:      e.Kind(),
				Stages:    access.StageHost,
				Access:    flags,
				Queue:     cur.Queue,
				Exclusive: cur.Owned,
			}
			n := hazard.Apply(cur, u, hazard.Hazard{}, 0)
			if !write {
				n.Indeterminate = cur.Indeterminate
			}
			return n
		})
	}
	return &HostAccess{ctx: c, entry: e, spans: spans, write: write}, nil
}

// hostConflictLocked reports why the host cannot access span now. The
// entry lock must be held.
func (c *Context) hostConflictLocked(e *track.Entry, span interval.Span, write bool) error {
	for _, l := range e.HostLocks(span) {
		if l.Value.Writer || write {
			return fmt.Errorf("host lock held on %s: %w", l.Span, ErrHostAccessConflict)
		}
	}
	for _, g := range e.GPUUses(span) {
		if g.Value.Writes > 0 || (write && g.Value.Reads > 0) {
			return fmt.Errorf("GPU work in flight on %s: %w", g.Span, ErrHostAccessConflict)
		}
	}
	for _, p := range e.States(span) {
		if _, live := c.lookupScope(p.Value.Scope); !live {
			continue
		}
		if write || p.Value.WriteAccess.HasWrite() {
			return fmt.Errorf("unsubmitted GPU work recorded on %s: %w", p.Span, ErrHostAccessConflict)
		}
	}
	return nil
}

// Resource returns the locked resource.
func (h *HostAccess) Resource() access.ResourceID { return h.entry.ID() }

// Bytes maps the locked range of a buffer and returns it as a byte slice
// valid until Release. Read locks must not write through it.
func (h *HostAccess) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, fmt.Errorf("host access to resource %d: released: %w", h.entry.ID(), ErrUseAfterFree)
	}
	buf := h.entry.Buffer()
	if h.entry.Kind() != access.KindBuffer || buf == nil || len(h.spans) != 1 {
		return nil, fmt.Errorf("host access to resource %d: not a mappable buffer: %w", h.entry.ID(), ErrKindMismatch)
	}
	span := h.spans[0]
	m, err := h.ctx.device.MapBuffer(buf, span.Start, span.Len())
	if err != nil {
		return nil, fmt.Errorf("host access to resource %d: map %s: %w", h.entry.ID(), span, err)
	}
	h.mapped = true
	return unsafe.Slice((*byte)(m.Ptr), span.Len()), nil
}

// Release drops the lock. It is safe to call more than once.
func (h *HostAccess) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	var err error
	if h.mapped {
		err = h.ctx.device.UnmapBuffer(h.entry.Buffer())
	}
	h.entry.Lock()
	for _, span := range h.spans {
		h.entry.UpdateHostLocks(span, func(l track.HostLock) track.HostLock {
			if h.write {
				l.Writer = false
			} else {
				l.Readers--
			}
			return l
		})
	}
	h.entry.Unlock()
	if err != nil {
		return fmt.Errorf("host access to resource %d: unmap: %w", h.entry.ID(), err)
	}
	return nil
}
