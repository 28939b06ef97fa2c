package submission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusync/access"
)

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

func (q *manualQueue) signal(index uint64) { q.done.Store(index) }

func newTracker(t *testing.T) (*Tracker, *manualQueue, *manualQueue) {
	t.Helper()
	a, b := &manualQueue{}, &manualQueue{}
	return New(map[access.QueueID]hal.Queue{0: a, 1: b}, time.Microsecond, nil), a, b
}

func TestTrackerCompletion(t *testing.T) {
	tr, qa, _ := newTracker(t)

	retired := 0
	tok, err := tr.Submit(0, nil, "frame", func() { retired++ })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if tok != 1 {
		t.Errorf("first token = %d, want 1", tok)
	}

	done, err := tr.IsComplete(tok)
	if err != nil || done {
		t.Fatalf("IsComplete() before signal = %v, %v; want false, nil", done, err)
	}
	if tr.InFlight() != 1 || tr.InFlightOn(0) != 1 || tr.InFlightOn(1) != 0 {
		t.Errorf("in-flight counts wrong: %d/%d/%d", tr.InFlight(), tr.InFlightOn(0), tr.InFlightOn(1))
	}

	qa.signal(1)
	done, err = tr.IsComplete(tok)
	if err != nil || !done {
		t.Fatalf("IsComplete() after signal = %v, %v; want true, nil", done, err)
	}
	if retired != 0 {
		t.Error("IsComplete() retired the submission")
	}

	if got := tr.Poll(); len(got) != 1 || got[0] != tok {
		t.Fatalf("Poll() = %v, want [%d]", got, tok)
	}
	if retired != 1 {
		t.Errorf("retire hook ran %d times, want 1", retired)
	}
	if _, err := tr.IsComplete(tok); !errors.Is(err, ErrTokenRetired) {
		t.Errorf("IsComplete(retired) error = %v, want ErrTokenRetired", err)
	}
}

func TestTrackerTokenErrors(t *testing.T) {
	tr, _, _ := newTracker(t)
	for _, tok := range []Token{0, 42} {
		if _, err := tr.IsComplete(tok); !errors.Is(err, ErrUnknownToken) {
			t.Errorf("IsComplete(%d) error = %v, want ErrUnknownToken", tok, err)
		}
		err := tr.Wait(context.Background(), tok, time.Millisecond)
		if !errors.Is(err, ErrUnknownToken) || errors.Is(err, hal.ErrTimeout) {
			t.Errorf("Wait(%d) error = %v, want ErrUnknownToken only", tok, err)
		}
	}
}

func TestTrackerUnknownQueueAndSubmitFailure(t *testing.T) {
	tr, qa, _ := newTracker(t)
	if _, err := tr.Submit(7, nil, "x", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Submit(unknown queue) error = %v", err)
	}

	qa.fail = hal.ErrDeviceLost
	if _, err := tr.Submit(0, nil, "x", nil); !errors.Is(err, hal.ErrDeviceLost) {
		t.Errorf("Submit() error = %v, want ErrDeviceLost", err)
	}
	if tr.InFlight() != 0 {
		t.Errorf("failed submission registered: %d in flight", tr.InFlight())
	}
}

func TestTrackerWaitTimeout(t *testing.T) {
	tr, _, _ := newTracker(t)
	tok, err := tr.Submit(0, nil, "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Wait(context.Background(), tok, 2*time.Millisecond)
	if !errors.Is(err, hal.ErrTimeout) {
		t.Fatalf("Wait() error = %v, want hal.ErrTimeout", err)
	}
	if errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrTokenRetired) {
		t.Error("timeout reported as a token error")
	}
	if tr.InFlight() != 1 {
		t.Error("timed out submission was retired")
	}
}

func TestTrackerWaitCancel(t *testing.T) {
	tr, _, _ := newTracker(t)
	tok, _ := tr.Submit(0, nil, "slow", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Wait(ctx, tok, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestTrackerWaitSignalled(t *testing.T) {
	tr, qa, qb := newTracker(t)
	var retired atomic.Int32
	hook := func() { retired.Add(1) }

	t0, _ := tr.Submit(0, nil, "a", hook)
	t1, _ := tr.Submit(1, nil, "b", hook)

	go func() {
		time.Sleep(time.Millisecond)
		qa.signal(1)
	}()
	if err := tr.Wait(context.Background(), t0, time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if _, err := tr.IsComplete(t0); !errors.Is(err, ErrTokenRetired) {
		t.Errorf("waited token not retired: %v", err)
	}
	if done, _ := tr.IsComplete(t1); done {
		t.Error("submission on the other queue completed")
	}

	qb.signal(1)
	if err := tr.WaitIdle(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	if tr.InFlight() != 0 || retired.Load() != 2 {
		t.Errorf("after WaitIdle: %d in flight, %d retired", tr.InFlight(), retired.Load())
	}
}

func TestTrackerPollRetiresInQueueOrder(t *testing.T) {
	tr, qa, _ := newTracker(t)
	hooks := 0
	for i := 0; i < 3; i++ {
		if _, err := tr.Submit(0, nil, "", func() { hooks++ }); err != nil {
			t.Fatal(err)
		}
	}
	qa.signal(2)
	if got := tr.Poll(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Poll() = %v, want [1 2]", got)
	}
	if hooks != 2 {
		t.Errorf("hooks ran %d times, want 2", hooks)
	}
	if p := tr.Pending(); len(p) != 1 || p[0].Token != 3 {
		t.Errorf("Pending() = %v", p)
	}
	if ids := tr.QueueIDs(); len(ids) != 2 || ids[0] != 0 {
		t.Errorf("QueueIDs() = %v", ids)
	}
}
