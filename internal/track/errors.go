package track

import "errors"

var (
	// ErrUnknownHandle is returned for ids the table never issued.
	ErrUnknownHandle = errors.New("gpusync: unknown resource handle")

	// ErrUseAfterFree is returned for ids of destroyed resources.
	ErrUseAfterFree = errors.New("gpusync: resource used after destroy")

	// ErrRangeOutOfBounds is returned when a range exceeds the extent.
	ErrRangeOutOfBounds = errors.New("gpusync: range outside resource extent")

	// ErrKindMismatch is returned when a buffer range is used on an image
	// or the other way round.
	ErrKindMismatch = errors.New("gpusync: range kind does not match resource kind")
)
