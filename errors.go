package gpusync

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/submission"
	"github.com/gogpu/gpusync/internal/track"
)

// Usage errors. These are caller mistakes: they are detected before any
// state changes and retrying the same call fails the same way.
var (
	// ErrInvalidState is returned when a recorder operation is not legal in
	// the recorder's current state. The concrete error is a *StateError.
	ErrInvalidState = errors.New("gpusync: operation not allowed in recorder state")

	// ErrConcurrentRecording is returned when two goroutines declare into
	// the same recorder at once.
	ErrConcurrentRecording = errors.New("gpusync: recorder used concurrently")

	// ErrUnknownHandle is returned for resource ids never issued.
	ErrUnknownHandle = track.ErrUnknownHandle

	// ErrUseAfterFree is returned for resources that have been destroyed.
	ErrUseAfterFree = track.ErrUseAfterFree

	// ErrRangeOutOfBounds is returned when a range exceeds its resource.
	ErrRangeOutOfBounds = track.ErrRangeOutOfBounds

	// ErrKindMismatch is returned when a buffer range names an image or
	// the other way round.
	ErrKindMismatch = track.ErrKindMismatch

	// ErrUnknownToken is returned for completion tokens never issued.
	ErrUnknownToken = submission.ErrUnknownToken

	// ErrTokenRetired is returned for tokens already retired.
	ErrTokenRetired = submission.ErrTokenRetired

	// ErrUnknownQueue is returned for queue ids the context was not
	// created with.
	ErrUnknownQueue = submission.ErrUnknownQueue

	// ErrInvalidAccess is returned for access declarations without stages
	// or access types.
	ErrInvalidAccess = errors.New("gpusync: access declares no stages or access types")

	// ErrSubmissionOrder is returned by Submit when a recorder that recorded
	// earlier accesses to the same ranges has not been submitted yet.
	ErrSubmissionOrder = errors.New("gpusync: recorder depends on an unsubmitted recorder")

	// ErrDependencyAbandoned is returned by Submit when a recorder that
	// recorded earlier accesses to the same ranges was abandoned after this
	// one relied on its state.
	ErrDependencyAbandoned = errors.New("gpusync: recorder depends on an abandoned recorder")

	// ErrResourceInUse is returned when tearing down a context that still
	// has submissions in flight.
	ErrResourceInUse = errors.New("gpusync: resources still in flight")

	// ErrContextClosed is returned by every operation after Close.
	ErrContextClosed = errors.New("gpusync: context closed")

	// ErrNilDevice is returned when creating a context without a device.
	ErrNilDevice = errors.New("gpusync: device is nil")

	// ErrNoQueues is returned when creating a context without queues.
	ErrNoQueues = errors.New("gpusync: no queues")

	// ErrCopyOffsetNotAligned is returned when a buffer copy or clear
	// offset is not 4-byte aligned.
	ErrCopyOffsetNotAligned = errors.New("gpusync: copy offset must be 4-byte aligned")

	// ErrCopySizeNotAligned is returned when a buffer copy or clear size is
	// not 4-byte aligned.
	ErrCopySizeNotAligned = errors.New("gpusync: copy size must be 4-byte aligned")
)

// Conflict errors: the declared access cannot be reconciled with state
// held elsewhere.
var (
	// ErrAccessConflict matches every *ConflictError.
	ErrAccessConflict = errors.New("gpusync: access conflict")

	// ErrHostAccessConflict is returned when a host lock collides with GPU
	// work in flight.
	ErrHostAccessConflict = errors.New("gpusync: host access conflicts with GPU work in flight")
)

// Device errors. They poison the context.
var (
	// ErrDeviceFailure matches every *DeviceError.
	ErrDeviceFailure = errors.New("gpusync: device failure")

	// ErrContextPoisoned is returned by every operation on a context that
	// saw a device failure. The original failure is wrapped as well.
	ErrContextPoisoned = errors.New("gpusync: context poisoned by earlier device failure")

	// ErrDeviceLost mirrors hal.ErrDeviceLost.
	ErrDeviceLost = hal.ErrDeviceLost

	// ErrDeviceOutOfMemory mirrors hal.ErrDeviceOutOfMemory.
	ErrDeviceOutOfMemory = hal.ErrDeviceOutOfMemory

	// ErrTimeout mirrors hal.ErrTimeout. Wait returns it when the timeout
	// elapses before the device signals completion.
	ErrTimeout = hal.ErrTimeout
)

// StateError reports a recorder operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("gpusync: %s: recorder is %s", e.Op, e.State)
}

// Is reports whether target is ErrInvalidState.
func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ConflictError reports an access that cannot be synchronized.
type ConflictError struct {
	Resource access.ResourceID
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("gpusync: access conflict on resource %d: %s", e.Resource, e.Reason)
}

// Is reports whether target is ErrAccessConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrAccessConflict }

// DeviceError wraps a failure reported by the device.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("gpusync: %s: device failure: %v", e.Op, e.Err)
}

// Is reports whether target is ErrDeviceFailure.
func (e *DeviceError) Is(target error) bool { return target == ErrDeviceFailure }

func (e *DeviceError) Unwrap() error { return e.Err }

// poisonedError is returned by operations on a poisoned context.
type poisonedError struct {
	cause error
}

func (e *poisonedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrContextPoisoned, e.cause)
}

func (e *poisonedError) Unwrap() []error { return []error{ErrContextPoisoned, e.cause} }
