package soft

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

const queueDepth = 64

type commandQueue struct {
	dev  *Device
	work chan func()
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ gpu.CommandQueue = (*commandQueue)(nil)

func newCommandQueue(dev *Device) *commandQueue {
	q := &commandQueue{
		dev:  dev,
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *commandQueue) run() {
	defer close(q.done)
	for fn := range q.work {
		fn()
	}
}

func (q *commandQueue) enqueue(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("soft: command queue released")
	}
	q.work <- fn
	return nil
}

func (q *commandQueue) shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()

	<-q.done
}

// submission is a closed command list frozen at ExecuteCommandLists time.
type submission struct {
	pso       *pipelineState
	ops       []op
	allocator *commandAllocator
	// constants holds, per draw op, the bytes the draw's constant buffer
	// view covered when the list was submitted.
	constants map[int][]byte
	touched   []*resource
}

func (q *commandQueue) ExecuteCommandLists(lists ...gpu.CommandList) error {
	subs := make([]*submission, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != q.dev {
			return errors.Newf("soft: foreign command list %T", l)
		}
		if !cl.closed {
			return errors.New("soft: command list executed while still recording")
		}
		if cl.err != nil {
			return errors.Wrap(cl.err, "soft: command list closed with errors")
		}
		subs = append(subs, cl.freeze())
	}

	if q.dev.lost() != nil {
		// Work submitted to a removed device is dropped without error.
		return nil
	}

	for _, s := range subs {
		s.allocator.pending.Add(1)
		for _, r := range s.touched {
			r.inflight.Add(1)
		}
	}
	q.dev.record(func(st *Stats) { st.Submissions += len(subs) })

	return q.enqueue(func() {
		for _, s := range subs {
			if q.dev.delay > 0 {
				time.Sleep(q.dev.delay)
			}
			if q.dev.lost() == nil {
				execute(q.dev, s)
			}
			for _, r := range s.touched {
				r.inflight.Add(-1)
			}
			s.allocator.pending.Add(-1)
		}
	})
}

func (q *commandQueue) Signal(f gpu.Fence, value uint64) error {
	if err := q.dev.lost(); err != nil {
		return errors.Wrap(err, "soft: signal")
	}
	sf, ok := f.(*fence)
	if !ok || sf.dev != q.dev {
		return errors.Newf("soft: foreign fence %T", f)
	}
	return q.enqueue(func() { sf.signal(value) })
}

// Suspend stalls every queue of the device after the work already
// submitted, until the returned function is called.
func (d *Device) Suspend() (resume func()) {
	d.mu.Lock()
	queues := append([]*commandQueue(nil), d.queues...)
	d.mu.Unlock()

	gate := make(chan struct{})
	for _, q := range queues {
		_ = q.enqueue(func() { <-gate })
	}

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}
