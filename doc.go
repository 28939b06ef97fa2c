// Package gpusync tracks the state of GPU resources across command
// recording and submission, and inserts the synchronization every declared
// access needs.
//
// # Overview
//
// Explicit graphics APIs leave it to the caller to order accesses: every
// read after a write, every write after a read, every image layout change
// and every queue ownership change needs a barrier, and missing one is
// undefined behavior. gpusync records the state of each buffer byte range
// and image subresource, compares every declared access against it, and
// emits the smallest barrier that makes the access safe before appending
// the native command. Accesses to disjoint ranges never synchronize with
// each other.
//
// # Quick Start
//
//	ctx, err := gpusync.NewContext(device, map[access.QueueID]hal.Queue{0: queue})
//	if err != nil { ... }
//	defer ctx.Close()
//
//	buf, _ := ctx.CreateBuffer(gpusync.BufferDesc{Size: 256, Usage: usage})
//
//	rec, _ := ctx.NewRecorder(0, "upload")
//	rec.Begin()
//	rec.ClearBuffer(buf, 0, 64)       // transfer write
//	rec.CopyBuffer(buf, 0, buf, 128, 64) // barrier: write -> read
//	rec.End()
//
//	tok, _ := rec.Submit(context.Background())
//	ctx.Wait(context.Background(), tok, time.Second)
//
// # Architecture
//
// The package is organized into:
//   - Public API: Context, Recorder, HostAccess, options and config
//   - access: the access vocabulary (stages, access types, layouts, ranges)
//   - internal/track: the resource handle table and per-range state
//   - internal/hazard: the hazard decision function
//   - internal/barrier: batching, coarse fallback and hal emission
//   - internal/submission: per-queue in-flight sets and completion tokens
//
// # Recording model
//
// A Recorder is owned by one goroutine at a time. Recorders on different
// goroutines may touch the same resources; each declared command updates
// the state of every range it touches atomically. State is committed when
// the access is declared, so a recorder that is abandoned rolls its
// changes back and recorders that built on them can no longer be
// submitted.
//
// # Errors
//
// Usage errors (ErrInvalidState, ErrUnknownHandle, ErrUnknownToken and
// friends) are caller mistakes. Conflict errors (*ConflictError,
// ErrHostAccessConflict) report accesses that cannot be synchronized.
// Device errors (*DeviceError) poison the context: every later call fails
// with ErrContextPoisoned.
package gpusync

// Version is the current version of the library.
const Version = "0.1.0"
