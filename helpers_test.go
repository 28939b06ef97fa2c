package gpusync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusync/access"
)

// newNoopDevice opens a device and queue on the noop backend.
func newNoopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()

	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("noop backend exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		open.Device.Destroy()
		instance.Destroy()
	})
	return open.Device, open.Queue
}

// manualQueue completes submissions only when the test signals them.
type manualQueue struct {
	noop.Queue

	mu   sync.Mutex
	next uint64
	done atomic.Uint64
	fail error
}

func (q *manualQueue) Submit(_ []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return 0, q.fail
	}
	q.next++
	return q.next, nil
}

func (q *manualQueue) PollCompleted() uint64 { return q.done.Load() }

// submitted returns the last submission index handed out.
func (q *manualQueue) submitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// signalAll completes everything submitted so far.
func (q *manualQueue) signalAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done.Store(q.next)
}

// captureEncoder records the commands encoded into it in order.
type captureEncoder struct {
	noop.CommandEncoder

	label    string
	events   []string
	buffers  []hal.BufferBarrier
	textures []hal.TextureBarrier
}

func (e *captureEncoder) BeginEncoding(label string) error {
	e.label = label
	return nil
}

func (e *captureEncoder) TransitionBuffers(b []hal.BufferBarrier) {
	e.events = append(e.events, fmt.Sprintf("buffers:%d", len(b)))
	e.buffers = append(e.buffers, b...)
}

func (e *captureEncoder) TransitionTextures(b []hal.TextureBarrier) {
	e.events = append(e.events, fmt.Sprintf("textures:%d", len(b)))
	e.textures = append(e.textures, b...)
}

func (e *captureEncoder) ClearBuffer(_ hal.Buffer, offset, size uint64) {
	e.events = append(e.events, fmt.Sprintf("clear:%d+%d", offset, size))
}

func (e *captureEncoder) CopyBufferToBuffer(_, _ hal.Buffer, regions []hal.BufferCopy) {
	e.events = append(e.events, fmt.Sprintf("copy:%d", len(regions)))
}

func (e *captureEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, regions []hal.BufferTextureCopy) {
	e.events = append(e.events, fmt.Sprintf("upload:%d", len(regions)))
}

func (e *captureEncoder) CopyTextureToBuffer(_ hal.Texture, _ hal.Buffer, regions []hal.BufferTextureCopy) {
	e.events = append(e.events, fmt.Sprintf("readback:%d", len(regions)))
}

func (e *captureEncoder) CopyTextureToTexture(_, _ hal.Texture, regions []hal.TextureCopy) {
	e.events = append(e.events, fmt.Sprintf("copyimage:%d", len(regions)))
}

// captureDevice hands out capturing encoders and can fail on demand.
type captureDevice struct {
	hal.Device

	mu         sync.Mutex
	encoders   []*captureEncoder
	failEncode error
	destroyed  int
}

func (d *captureDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failEncode != nil {
		return nil, d.failEncode
	}
	enc := &captureEncoder{label: desc.Label}
	d.encoders = append(d.encoders, enc)
	return enc, nil
}

func (d *captureDevice) DestroyBuffer(b hal.Buffer) {
	d.mu.Lock()
	d.destroyed++
	d.mu.Unlock()
	d.Device.DestroyBuffer(b)
}

// encoder returns the encoder created with label.
func (d *captureDevice) encoder(t *testing.T, label string) *captureEncoder {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.encoders {
		if e.label == label {
			return e
		}
	}
	t.Fatalf("no encoder labelled %q", label)
	return nil
}

// newTestContext builds a context over a capturing noop device. Queues
// are numbered from zero in argument order; with none given, queue 0 is a
// noop queue that completes immediately.
func newTestContext(t *testing.T, queues []hal.Queue, opts ...Option) (*Context, *captureDevice) {
	t.Helper()
	dev, q := newNoopDevice(t)
	if len(queues) == 0 {
		queues = []hal.Queue{q}
	}
	qs := make(map[access.QueueID]hal.Queue, len(queues))
	for i, q := range queues {
		qs[access.QueueID(i)] = q
	}
	cd := &captureDevice{Device: dev}
	ctx, err := NewContext(cd, qs, opts...)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	return ctx, cd
}

// newBuffer creates a buffer of size bytes.
func newBuffer(t *testing.T, ctx *Context, label string, size uint64, sharing access.Sharing) access.ResourceID {
	t.Helper()
	id, err := ctx.CreateBuffer(BufferDesc{
		Label:   label,
		Size:    size,
		Usage:   gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage,
		Sharing: sharing,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(%q) error = %v", label, err)
	}
	return id
}

// begin creates a recorder on q and begins it.
func begin(t *testing.T, ctx *Context, q access.QueueID, label string) *Recorder {
	t.Helper()
	r, err := ctx.NewRecorder(q, label)
	if err != nil {
		t.Fatalf("NewRecorder(%q) error = %v", label, err)
	}
	if err := r.Begin(); err != nil {
		t.Fatalf("Begin(%q) error = %v", label, err)
	}
	return r
}

func mustDeclare(t *testing.T, r *Recorder, accs ...access.Access) {
	t.Helper()
	if err := r.Declare(accs...); err != nil {
		t.Fatalf("%s: Declare() error = %v", r.Label(), err)
	}
}

func mustEnd(t *testing.T, r *Recorder) {
	t.Helper()
	if err := r.End(); err != nil {
		t.Fatalf("%s: End() error = %v", r.Label(), err)
	}
}

func bufWrite(id access.ResourceID, off, size uint64) access.Access {
	return access.Access{
		Resource: id,
		Range:    access.BufferRange{Offset: off, Size: size},
		Stages:   access.StageTransfer,
		Access:   access.TransferWrite,
	}
}

func bufRead(id access.ResourceID, off, size uint64, stage access.Stage, flags access.Flags) access.Access {
	return access.Access{
		Resource: id,
		Range:    access.BufferRange{Offset: off, Size: size},
		Stages:   stage,
		Access:   flags,
	}
}

// newCount returns how many synchronization commands r emitted since it
// had seen before.
func newCount(r *Recorder, before int) int { return len(r.Commands()) - before }
