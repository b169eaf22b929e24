package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/ubivol/internal/bsdev"
)

func TestSubmitResultPolledSynchronously(t *testing.T) {
	t.Parallel()

	r := New(Depth)
	var got bsdev.Errno = 99
	r.SubmitResult(0, func(e bsdev.Errno) { got = e })

	if n := r.Poll(); n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}
	if got != bsdev.OK {
		t.Errorf("completion = %v, want OK", got)
	}
}

func TestPollEmptyRingIsNoOp(t *testing.T) {
	t.Parallel()

	r := New(Depth)
	if n := r.Poll(); n != 0 {
		t.Errorf("Poll() on empty ring = %d, want 0 (EAGAIN no-op)", n)
	}
}

func TestPollDrainsAtMostBatchSize(t *testing.T) {
	t.Parallel()

	r := New(BatchSize * 2)
	for i := 0; i < BatchSize*2; i++ {
		r.SubmitResult(0, func(bsdev.Errno) {})
	}

	n := r.Poll()
	if n != BatchSize {
		t.Fatalf("first Poll() = %d, want %d", n, BatchSize)
	}
	n = r.Poll()
	if n != BatchSize {
		t.Fatalf("second Poll() = %d, want %d", n, BatchSize)
	}
	if n := r.Poll(); n != 0 {
		t.Errorf("third Poll() = %d, want 0", n)
	}
}

func TestSubmitAsyncWorkCompletesEventually(t *testing.T) {
	t.Parallel()

	r := New(Depth)
	var mu sync.Mutex
	var got bsdev.Errno = 99

	r.Submit(func() int32 { return -5 }, func(e bsdev.Errno) {
		mu.Lock()
		got = e
		mu.Unlock()
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Poll() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got != bsdev.ErrIO {
		t.Errorf("completion = %v, want ErrIO", got)
	}
}

func TestFromResultMapsNegativeToErrIO(t *testing.T) {
	t.Parallel()

	r := New(Depth)
	r.SubmitResult(-1, func(e bsdev.Errno) {
		if e != bsdev.ErrIO {
			t.Errorf("got %v, want ErrIO", e)
		}
	})
	r.Poll()
}
