package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

type swapChain struct {
	queue  *commandQueue
	window gpu.Window

	mu      sync.Mutex
	desc    gpu.SwapChainDesc
	buffers []*resource
	current int
}

var _ gpu.SwapChain = (*swapChain)(nil)

// newSwapChain accepts any window value, including nil.
func newSwapChain(q *commandQueue, window gpu.Window, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	if err := q.dev.lost(); err != nil {
		return nil, errors.Wrap(err, "soft: create swap chain")
	}
	if err := validateSwapChain(desc); err != nil {
		return nil, err
	}

	sc := &swapChain{queue: q, window: window, desc: desc}
	sc.allocate()
	return sc, nil
}

func validateSwapChain(desc gpu.SwapChainDesc) error {
	if desc.BufferCount < 2 || desc.BufferCount > 16 {
		return errors.Newf("soft: swap chain buffer count %d outside [2,16]", desc.BufferCount)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return errors.Newf("soft: invalid swap chain size %dx%d", desc.Width, desc.Height)
	}
	if desc.Format != gpu.FormatB8G8R8A8Unorm && desc.Format != gpu.FormatR8G8B8A8Unorm {
		return errors.Newf("soft: unsupported swap chain format %s", desc.Format)
	}
	return nil
}

func (sc *swapChain) allocate() {
	sc.buffers = make([]*resource, sc.desc.BufferCount)
	for i := range sc.buffers {
		r := sc.queue.dev.newTexture(gpu.TextureDesc{
			Width:        sc.desc.Width,
			Height:       sc.desc.Height,
			Format:       sc.desc.Format,
			InitialState: gpu.StatePresent,
		})
		r.owner = sc
		r.refs.Store(0)
		sc.buffers[i] = r
	}
	sc.current = 0
}

func (sc *swapChain) Desc() gpu.SwapChainDesc {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.desc
}

// ResizeBuffers keeps the current count when count is 0 and the current
// format when format is FormatUnknown.
func (sc *swapChain) ResizeBuffers(count, width, height int, format gpu.Format) error {
	if err := sc.queue.dev.lost(); err != nil {
		return errors.Wrap(err, "soft: resize buffers")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	desc := sc.desc
	if count != 0 {
		desc.BufferCount = count
	}
	if format != gpu.FormatUnknown {
		desc.Format = format
	}
	desc.Width, desc.Height = width, height
	if err := validateSwapChain(desc); err != nil {
		return err
	}

	for i, b := range sc.buffers {
		if n := b.refs.Load(); n > 0 {
			return errors.Newf("soft: resize with back buffer %d still referenced %d times", i, n)
		}
		if n := b.inflight.Load(); n > 0 {
			return errors.Newf("soft: resize with back buffer %d still in use by the GPU", i)
		}
	}
	for _, b := range sc.buffers {
		b.released.Store(true)
	}

	sc.desc = desc
	sc.allocate()
	sc.queue.dev.record(func(s *Stats) { s.Resizes++ })
	return nil
}

func (sc *swapChain) Buffer(index int) (gpu.Resource, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if index < 0 || index >= len(sc.buffers) {
		return nil, errors.Newf("soft: back buffer %d out of range [0,%d)", index, len(sc.buffers))
	}
	b := sc.buffers[index]
	b.refs.Add(1)
	return b, nil
}

func (sc *swapChain) CurrentBackBufferIndex() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current
}

// Present queues the flip behind previously submitted work. The back buffer
// index advances immediately.
func (sc *swapChain) Present(syncInterval int) error {
	if err := sc.queue.dev.lost(); err != nil {
		return errors.Wrap(err, "soft: present")
	}

	sc.mu.Lock()
	b := sc.buffers[sc.current]
	sc.current = (sc.current + 1) % len(sc.buffers)
	sc.mu.Unlock()

	dev := sc.queue.dev
	b.inflight.Add(1)
	return sc.queue.enqueue(func() {
		defer b.inflight.Add(-1)
		if dev.lost() != nil {
			return
		}
		if b.state != gpu.StatePresent {
			dev.report(errors.Newf("soft: present of back buffer %d in state %s", b.id, b.state))
		}
		dev.record(func(s *Stats) { s.Presents++ })
	})
}

func (sc *swapChain) Release() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, b := range sc.buffers {
		b.released.Store(true)
	}
}
