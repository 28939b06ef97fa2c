// Package track holds the resource handle table: one entry per registered
// buffer or image, each carrying a range map of access state records.
package track

import (
	"fmt"

	"github.com/gogpu/gpusync/access"
)

// State is the access record kept for one tracked span of a resource.
//
// A zero State describes a range that has never been accessed: no owner,
// undefined layout, nothing to wait for.
type State struct {
	// Scope is the recording scope that last touched the range; zero if
	// none has.
	Scope uint64

	// Queue owns the range once Owned is set.
	Queue access.QueueID
	Owned bool

	// Layout is the current image layout.
	Layout access.Layout

	// The last write and the stages/accesses it has been made visible to.
	Written       bool
	WriteStages   access.Stage
	WriteAccess   access.Flags
	VisibleStages access.Stage
	VisibleAccess access.Flags

	// Reads recorded since the last write.
	ReadStages access.Stage
	ReadAccess access.Flags

	// Indeterminate marks ranges whose real device state is unknown after
	// a rollback could not restore them.
	Indeterminate bool
}

// LastStages returns the stages of the most recent access.
func (s State) LastStages() access.Stage {
	if s.ReadStages != access.StageNone {
		return s.ReadStages
	}
	return s.WriteStages
}

// LastAccess returns the access types of the most recent access.
func (s State) LastAccess() access.Flags {
	if s.ReadStages != access.StageNone {
		return s.ReadAccess
	}
	return s.WriteAccess
}

// IsZero reports whether the range has never been accessed.
func (s State) IsZero() bool { return s == State{} }

func (s State) String() string {
	if s.IsZero() {
		return "untouched"
	}
	return fmt.Sprintf("scope=%d queue=%d layout=%s write=%s/%s read=%s/%s",
		s.Scope, s.Queue, s.Layout, s.WriteStages, s.WriteAccess, s.ReadStages, s.ReadAccess)
}

// HostLock is the host (CPU) lock held on a span.
type HostLock struct {
	Readers int32
	Writer  bool
}

// GPUUse counts in-flight submissions that read or write a span.
type GPUUse struct {
	Reads  int32
	Writes int32
}
