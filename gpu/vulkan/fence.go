package vulkan

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
)

type pendingSignal struct {
	value uint64
	fence core1_0.Fence
}

// fence emulates a monotonic 64-bit fence over binary VkFences. Every
// Signal submits an empty batch carrying a VkFence; the queue completes
// batches in order, so the value of the newest signaled VkFence is the
// completed value.
type fence struct {
	dev *Device

	mu        sync.Mutex
	completed uint64
	pending   []pendingSignal
}

func newFence(dev *Device, initialValue uint64) *fence {
	return &fence{dev: dev, completed: initialValue}
}

func (f *fence) enqueue(value uint64, vkFence core1_0.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, pendingSignal{value: value, fence: vkFence})
}

// poll retires signaled entries. f.mu must be held.
func (f *fence) poll() {
	for len(f.pending) > 0 {
		p := f.pending[0]
		res, err := p.fence.Status()
		if err != nil {
			f.dev.check(res, err, "vulkan: fence status")
			return
		}
		if res != core1_0.VKSuccess {
			return
		}
		f.retire()
	}
}

func (f *fence) retire() {
	p := f.pending[0]
	f.pending = f.pending[1:]
	if p.value > f.completed {
		f.completed = p.value
	}
	f.dev.queue.recycle(p.fence)
}

// CompletedValue reports math.MaxUint64 once the device is lost, so no
// frame pacing loop waits on a dead device.
func (f *fence) CompletedValue() uint64 {
	if f.dev.lost() != nil {
		return math.MaxUint64
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.poll()
	return f.completed
}

func (f *fence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.dev.lost() != nil {
			return nil
		}
		f.poll()
		if f.completed >= value {
			return nil
		}
		if len(f.pending) == 0 {
			return errors.Newf("vulkan: wait for fence value %d, never signaled past %d", value, f.completed)
		}

		res, err := f.pending[0].fence.Wait(common.NoTimeout)
		if err := f.dev.check(res, err, "vulkan: wait for fence"); err != nil {
			if f.dev.lost() != nil {
				return nil
			}
			return err
		}
		f.retire()
	}
}

func (f *fence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.pending {
		p.fence.Destroy(nil)
	}
	f.pending = nil
}
