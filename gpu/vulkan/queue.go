package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/tutorials/gpu"
)

type commandQueue struct {
	dev   *Device
	queue core1_0.Queue

	mu sync.Mutex
	// waits are acquire semaphores the next batch must wait on.
	waits []core1_0.Semaphore
	free  []core1_0.Fence
}

var _ gpu.CommandQueue = (*commandQueue)(nil)

// waitFor makes the next submission wait on semaphore.
func (q *commandQueue) waitFor(semaphore core1_0.Semaphore) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.waits = append(q.waits, semaphore)
}

// takeWaits must be called with q.mu held.
func (q *commandQueue) takeWaits() ([]core1_0.Semaphore, []core1_0.PipelineStageFlags) {
	waits := q.waits
	q.waits = nil
	stages := make([]core1_0.PipelineStageFlags, len(waits))
	for i := range stages {
		stages[i] = core1_0.PipelineStageColorAttachmentOutput
	}
	return waits, stages
}

func (q *commandQueue) ExecuteCommandLists(lists ...gpu.CommandList) error {
	buffers := make([]core1_0.CommandBuffer, 0, len(lists))
	for i, cl := range lists {
		l, ok := cl.(*commandList)
		if !ok || l.dev != q.dev {
			return errors.Newf("vulkan: command list %d is foreign (%T)", i, cl)
		}
		if !l.closed {
			return errors.Newf("vulkan: command list %d is still recording", i)
		}
		if l.err != nil {
			return errors.Wrapf(l.err, "vulkan: command list %d failed to record", i)
		}
		buffers = append(buffers, l.current)
	}
	// A lost device drops work, like the hardware does.
	if q.dev.lost() != nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	waits, stages := q.takeWaits()
	res, err := q.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   waits,
			WaitDstStageMask: stages,
			CommandBuffers:   buffers,
		},
	})
	return q.dev.check(res, err, "vulkan: submit")
}

// signalSemaphore submits an empty batch that signals semaphore after all
// earlier work.
func (q *commandQueue) signalSemaphore(semaphore core1_0.Semaphore) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	waits, stages := q.takeWaits()
	res, err := q.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   waits,
			WaitDstStageMask: stages,
			SignalSemaphores: []core1_0.Semaphore{semaphore},
		},
	})
	return q.dev.check(res, err, "vulkan: submit present signal")
}

// drainWaits submits an empty batch consuming pending acquire waits.
func (q *commandQueue) drainWaits() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waits) == 0 {
		return nil
	}
	waits, stages := q.takeWaits()
	res, err := q.queue.Submit(nil, []core1_0.SubmitInfo{
		{WaitSemaphores: waits, WaitDstStageMask: stages},
	})
	return q.dev.check(res, err, "vulkan: submit wait drain")
}

func (q *commandQueue) Signal(gf gpu.Fence, value uint64) error {
	f, ok := gf.(*fence)
	if !ok || f.dev != q.dev {
		return errors.Newf("vulkan: foreign fence %T", gf)
	}
	if err := q.dev.lost(); err != nil {
		return errors.Wrap(err, "vulkan: signal")
	}

	q.mu.Lock()
	vkFence, err := q.takeFence()
	if err != nil {
		q.mu.Unlock()
		return err
	}
	res, err := q.queue.Submit(vkFence, nil)
	if err := q.dev.check(res, err, "vulkan: submit fence signal"); err != nil {
		q.free = append(q.free, vkFence)
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	// f.mu is taken outside q.mu: fence waits recycle into q under f.mu.
	f.enqueue(value, vkFence)
	return nil
}

// takeFence must be called with q.mu held.
func (q *commandQueue) takeFence() (core1_0.Fence, error) {
	if n := len(q.free); n > 0 {
		vkFence := q.free[n-1]
		q.free = q.free[:n-1]
		return vkFence, nil
	}
	vkFence, _, err := q.dev.device.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create fence")
	}
	return vkFence, nil
}

func (q *commandQueue) recycle(vkFence core1_0.Fence) {
	if _, err := vkFence.Reset(); err != nil {
		vkFence.Destroy(nil)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.free = append(q.free, vkFence)
}

func (q *commandQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, vkFence := range q.free {
		vkFence.Destroy(nil)
	}
	q.free = nil
}
