package soft

import (
	"math"
	"sync"

	"github.com/vkngwrapper/tutorials/gpu"
)

type fence struct {
	dev *Device

	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

var _ gpu.Fence = (*fence)(nil)

func newFence(dev *Device, initial uint64) *fence {
	f := &fence{dev: dev, value: initial}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// CompletedValue reports MaxUint64 once the device is lost, the same way a
// removed hardware device does.
func (f *fence) CompletedValue() uint64 {
	if f.dev.lost() != nil {
		return math.MaxUint64
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.value < value && f.dev.lost() == nil {
		f.cond.Wait()
	}
	return nil
}

func (f *fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.value {
		f.value = value
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fence) wake() {
	f.mu.Lock()
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fence) Release() {}
