// Package ring implements the async submission/completion ring poller
// (C1 in spec.md): a depth-128 ring drained in non-blocking batches of
// at most 64, dispatching each completion's continuation exactly once.
//
// The original driver rides Linux io_uring directly (liburing). No
// importable Go io_uring binding exists among the retrieved examples —
// go-ublk's internal uring package is unexported reference material,
// not a dependency this module can import — so Ring reproduces the same
// submission/completion contract (batched non-blocking peek, per-slot
// continuation, no cross-batch ordering) on top of the standard
// library: a buffered channel stands in for the completion queue, and
// each submission runs its blocking work on its own goroutine, the way
// a kernel thread would complete an iocb independently of submission
// order.
package ring

import "github.com/ehrlich-b/ubivol/internal/bsdev"

// Depth is the fixed ring depth spec.md §3 assigns to both the image
// and delta channel rings.
const Depth = 128

// BatchSize is the maximum number of completions drained per Poll
// sweep, per spec.md §4.1.
const BatchSize = 64

// Work is the blocking operation submitted to the ring; its return
// value becomes the completion's result (negative on failure).
type Work func() int32

type completion struct {
	result int32
	cb     bsdev.CompletionFunc
}

// Ring is a per-channel submission/completion ring. It is not safe for
// concurrent Submit calls from multiple goroutines in the way a single
// channel is never touched from more than one thread per spec.md §5 —
// callers are expected to submit only from the channel's owning thread.
type Ring struct {
	completions chan completion
	closed      bool
}

// New allocates a ring of the given depth (the number of I/Os that may
// be in flight at once).
func New(depth int) *Ring {
	if depth <= 0 {
		depth = Depth
	}
	return &Ring{completions: make(chan completion, depth)}
}

// Submit runs work on a new goroutine (standing in for the kernel
// completing the iocb independently) and enqueues its result for the
// next Poll sweep to dispatch to cb. Submit itself never blocks the
// caller on the work completing.
func (r *Ring) Submit(work Work, cb bsdev.CompletionFunc) {
	go func() {
		res := work()
		r.completions <- completion{result: res, cb: cb}
	}()
}

// SubmitResult enqueues an already-known result directly, for
// synchronous bs-dev paths (e.g. the delta device's write, which
// completes inline) that still want to report through the same
// completion channel shape used by async reads.
func (r *Ring) SubmitResult(res int32, cb bsdev.CompletionFunc) {
	r.completions <- completion{result: res, cb: cb}
}

// Poll drains up to BatchSize completions in one non-blocking sweep and
// invokes each continuation with the result converted by
// bsdev.FromResult: bsdev.OK on success, a recognized negative errno
// (e.g. ENOTSUP) unchanged, and bsdev.ErrIO for any other negative
// result. Completion order within the batch follows ring
// (channel) order; no ordering is promised across separate Poll calls
// or between distinct rings, per spec.md §4.1. If the ring is empty the
// sweep is a no-op (the io_uring EAGAIN case) and Poll returns 0.
//
// The poller this models always reports "busy" to its host scheduler
// regardless of whether work was found; Poll's return value exists
// only so tests can observe how much work a sweep actually did.
func (r *Ring) Poll() int {
	if r.closed {
		return 0
	}
	processed := 0
	for processed < BatchSize {
		select {
		case c := <-r.completions:
			c.cb(bsdev.FromResult(c.result))
			processed++
		default:
			return processed
		}
	}
	return processed
}

// Close exits the ring. Any completions not yet polled are dropped,
// matching io_uring_queue_exit's semantics of tearing down the ring
// without waiting for outstanding work (destruct is the caller's
// responsibility to sequence after draining, per spec.md §5).
func (r *Ring) Close() {
	r.closed = true
}
