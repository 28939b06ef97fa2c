package gpusync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/gpusync/access"
)

func TestNewContextErrors(t *testing.T) {
	dev, q := newNoopDevice(t)
	tests := []struct {
		name   string
		device hal.Device
		queues map[access.QueueID]hal.Queue
		want   error
	}{
		{"nil device", nil, map[access.QueueID]hal.Queue{0: q}, ErrNilDevice},
		{"no queues", dev, nil, ErrNoQueues},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := NewContext(tt.device, tt.queues)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewContext() error = %v, want %v", err, tt.want)
			}
			if ctx != nil {
				t.Error("NewContext() returned a context on error")
			}
		})
	}
}

func TestContextQueues(t *testing.T) {
	ctx, _ := newTestContext(t, []hal.Queue{&noop.Queue{}, &noop.Queue{}})
	if got := ctx.Queues(); !slices.Equal(got, []access.QueueID{0, 1}) {
		t.Errorf("Queues() = %v, want [0 1]", got)
	}
	if _, err := ctx.NewRecorder(7, "nowhere"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("NewRecorder() on unknown queue error = %v, want ErrUnknownQueue", err)
	}
}

func TestContextClose(t *testing.T) {
	q := &manualQueue{}
	var released []access.ResourceID
	ctx, _ := newTestContext(t, []hal.Queue{q}, WithReleaseHook(func(id access.ResourceID) {
		released = append(released, id)
	}))
	a := newBuffer(t, ctx, "a", 64, access.Exclusive())
	b := newBuffer(t, ctx, "b", 64, access.Exclusive())

	r := begin(t, ctx, 0, "pending")
	mustDeclare(t, r, bufWrite(a, 0, 64))
	mustEnd(t, r)
	if _, err := r.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := ctx.Close(); !errors.Is(err, ErrResourceInUse) {
		t.Fatalf("Close() with work in flight error = %v, want ErrResourceInUse", err)
	}
	if _, err := ctx.Ranges(a); err != nil {
		t.Errorf("context unusable after refused Close: %v", err)
	}

	q.signalAll()
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	slices.Sort(released)
	if !slices.Equal(released, []access.ResourceID{min(a, b), max(a, b)}) {
		t.Errorf("released = %v, want both buffers", released)
	}

	if _, err := ctx.CreateBuffer(BufferDesc{Size: 4}); !errors.Is(err, ErrContextClosed) {
		t.Errorf("CreateBuffer() after Close error = %v, want ErrContextClosed", err)
	}
	if _, err := ctx.NewRecorder(0, "late"); !errors.Is(err, ErrContextClosed) {
		t.Errorf("NewRecorder() after Close error = %v, want ErrContextClosed", err)
	}
}

func TestDeviceFailurePoisonsContext(t *testing.T) {
	tests := []struct {
		name  string
		fail  func(q *manualQueue, cd *captureDevice)
		cause error
	}{
		{
			name:  "submit device lost",
			fail:  func(q *manualQueue, _ *captureDevice) { q.fail = hal.ErrDeviceLost },
			cause: ErrDeviceLost,
		},
		{
			name:  "encoder out of memory",
			fail:  func(_ *manualQueue, cd *captureDevice) { cd.failEncode = hal.ErrDeviceOutOfMemory },
			cause: ErrDeviceOutOfMemory,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &manualQueue{}
			ctx, cd := newTestContext(t, []hal.Queue{q})
			buf := newBuffer(t, ctx, "b", 64, access.Exclusive())

			r, err := ctx.NewRecorder(0, "doomed")
			if err != nil {
				t.Fatalf("NewRecorder() error = %v", err)
			}
			tt.fail(q, cd)

			err = r.Begin()
			if err == nil {
				mustDeclare(t, r, bufWrite(buf, 0, 64))
				mustEnd(t, r)
				_, err = r.Submit(context.Background())
			}
			if !errors.Is(err, ErrDeviceFailure) || !errors.Is(err, tt.cause) {
				t.Fatalf("error = %v, want device failure caused by %v", err, tt.cause)
			}
			var derr *DeviceError
			if !errors.As(err, &derr) {
				t.Errorf("error %T is not a *DeviceError", err)
			}
			if got := r.State(); got != StateInvalid {
				t.Errorf("state = %v, want invalid", got)
			}
			if !errors.Is(ctx.Err(), tt.cause) {
				t.Errorf("Err() = %v, want %v", ctx.Err(), tt.cause)
			}

			_, err = ctx.CreateBuffer(BufferDesc{Size: 4})
			if !errors.Is(err, ErrContextPoisoned) || !errors.Is(err, tt.cause) {
				t.Errorf("CreateBuffer() on poisoned context error = %v", err)
			}
			if _, err := ctx.Poll(); !errors.Is(err, ErrContextPoisoned) {
				t.Errorf("Poll() on poisoned context error = %v", err)
			}
		})
	}
}

func TestWait(t *testing.T) {
	q := &manualQueue{}
	ctx, _ := newTestContext(t, []hal.Queue{q}, WithPollInterval(time.Millisecond))
	buf := newBuffer(t, ctx, "b", 64, access.Exclusive())

	if err := ctx.Wait(context.Background(), 999, time.Millisecond); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Wait() on unknown token error = %v, want ErrUnknownToken", err)
	}
	if _, err := ctx.IsComplete(999); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("IsComplete() on unknown token error = %v, want ErrUnknownToken", err)
	}

	r := begin(t, ctx, 0, "waited")
	if err := r.Wait(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Recorder.Wait() before Submit error = %v, want ErrInvalidState", err)
	}
	mustDeclare(t, r, bufWrite(buf, 0, 64))
	mustEnd(t, r)
	tok, err := r.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := ctx.Wait(context.Background(), tok, 5*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait() on pending token error = %v, want ErrTimeout", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctx.Wait(cancelled, tok, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() with cancelled context error = %v, want context.Canceled", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.signalAll()
	}()
	if err := ctx.Wait(context.Background(), tok, time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := r.State(); got != StateRetired {
		t.Errorf("state = %v, want retired", got)
	}
	if err := ctx.Wait(context.Background(), tok, 0); !errors.Is(err, ErrTokenRetired) {
		t.Errorf("Wait() on retired token error = %v, want ErrTokenRetired", err)
	}
	if err := r.Wait(context.Background()); err != nil {
		t.Errorf("Recorder.Wait() after retirement error = %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctx, _ := newTestContext(t, nil, WithMetrics(reg))
	// A second context on the same registry is told apart by its id.
	other, _ := newTestContext(t, nil, WithMetrics(reg))
	if ctx.ID() == other.ID() {
		t.Fatal("two contexts share an id")
	}

	buf := newBuffer(t, ctx, "b", 64, access.Exclusive())
	r := begin(t, ctx, 0, "measured")
	mustDeclare(t, r, bufWrite(buf, 0, 64))
	mustDeclare(t, r, computeRead(buf, 0, 64))
	mustDeclare(t, r, bufWrite(buf, 0, 64))
	mustEnd(t, r)
	if _, err := r.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	abandoned := begin(t, ctx, 0, "abandoned")
	if err := abandoned.Abandon(); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}

	m := ctx.metrics
	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"fine commands", m.commands.WithLabelValues("fine"), 2},
		{"raw hazards", m.hazards.WithLabelValues("raw"), 1},
		{"war hazards", m.hazards.WithLabelValues("war"), 1},
		{"submissions on queue 0", m.submissions.WithLabelValues("0"), 1},
		{"transfers", m.transfers, 0},
		{"rollbacks", m.rollbacks, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	for _, want := range []string{
		"gpusync_inflight_submissions",
		"gpusync_sync_commands_total",
		"gpusync_hazards_total",
		"gpusync_wait_duration_seconds",
	} {
		if !slices.Contains(names, want) {
			t.Errorf("registry lacks %s; has %v", want, names)
		}
	}
}
