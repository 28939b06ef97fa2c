package track

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	wtrack "github.com/gogpu/wgpu/core/track"

	"github.com/gogpu/gpusync/access"
)

const (
	// shardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	shardCount = 16

	shardMask = shardCount - 1
)

// Table is the process-wide resource handle table of one device context.
//
// Lookups go through 16 independently locked shards; the state of each
// resource is guarded by its own entry lock, so scopes recording against
// different resources never contend.
type Table struct {
	shards [shardCount]*shard
	alloc  *wtrack.SharedTrackerIndexAllocator

	// generations[i] is the generation of tracker index i. It is bumped
	// when the index is freed so stale ids can be told apart from ids the
	// table never issued.
	genMu       sync.Mutex
	generations []uint32

	live atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[access.ResourceID]*Entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	t := &Table{alloc: wtrack.NewSharedTrackerIndexAllocator()}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[access.ResourceID]*Entry)}
	}
	return t
}

func makeID(index wtrack.TrackerIndex, gen uint32) access.ResourceID {
	return access.ResourceID(uint64(gen)<<32 | uint64(index))
}

func splitID(id access.ResourceID) (wtrack.TrackerIndex, uint32) {
	return wtrack.TrackerIndex(uint32(id)), uint32(uint64(id) >> 32)
}

func (t *Table) shardFor(id access.ResourceID) *shard {
	return t.shards[uint64(id)&shardMask]
}

// Register adds a resource and returns its entry.
func (t *Table) Register(d Desc) *Entry {
	index := t.alloc.Alloc()

	t.genMu.Lock()
	if int(index) >= len(t.generations) {
		t.generations = append(t.generations, make([]uint32, int(index)+1-len(t.generations))...)
	}
	if t.generations[index] == 0 {
		t.generations[index] = 1
	}
	gen := t.generations[index]
	t.genMu.Unlock()

	e := newEntry(makeID(index, gen), index, d)
	s := t.shardFor(e.id)
	s.mu.Lock()
	s.entries[e.id] = e
	s.mu.Unlock()
	t.live.Add(1)
	return e
}

// Lookup returns the live entry for id. Destroyed resources report
// ErrUseAfterFree, ids never issued report ErrUnknownHandle.
func (t *Table) Lookup(id access.ResourceID) (*Entry, error) {
	e, err := t.get(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	dead := e.destroyed
	e.Unlock()
	if dead {
		return nil, fmt.Errorf("resource %d: %w", id, ErrUseAfterFree)
	}
	return e, nil
}

// get returns the entry for id including destroyed-but-unreleased ones.
func (t *Table) get(id access.ResourceID) (*Entry, error) {
	s := t.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	index, gen := splitID(id)
	t.genMu.Lock()
	defer t.genMu.Unlock()
	if gen != 0 && int(index) < len(t.generations) && gen < t.generations[index] {
		return nil, fmt.Errorf("resource %d: %w", id, ErrUseAfterFree)
	}
	return nil, fmt.Errorf("resource %d: %w", id, ErrUnknownHandle)
}

// Remove drops the entry and recycles its tracker index. The caller must
// make sure no submission still references it.
func (t *Table) Remove(id access.ResourceID) error {
	s := t.shardFor(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		_, err := t.get(id)
		return err
	}

	t.genMu.Lock()
	t.generations[e.index]++
	t.genMu.Unlock()
	t.alloc.Free(e.index)
	t.live.Add(-1)
	return nil
}

// Len returns the number of registered resources, including destroyed
// ones still waiting for retirement.
func (t *Table) Len() int { return int(t.live.Load()) }

// Entries returns every entry ordered by id.
func (t *Table) Entries() []*Entry {
	var out []*Entry
	for _, s := range t.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	SortEntries(out)
	return out
}

// SortEntries orders entries by id and removes duplicates. Locks taken in
// this order never deadlock against each other.
func SortEntries(es []*Entry) []*Entry {
	slices.SortFunc(es, func(a, b *Entry) int { return cmp.Compare(a.id, b.id) })
	return slices.CompactFunc(es, func(a, b *Entry) bool { return a == b })
}

// LockAll locks es, which must already be sorted by SortEntries.
func LockAll(es []*Entry) {
	for _, e := range es {
		e.Lock()
	}
}

// UnlockAll releases locks taken by LockAll.
func UnlockAll(es []*Entry) {
	for i := len(es) - 1; i >= 0; i-- {
		es[i].Unlock()
	}
}
