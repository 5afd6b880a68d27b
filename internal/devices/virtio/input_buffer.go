package virtio

import "sync"

// defaultEventBufferCap bounds how many undelivered events the device will
// hold while the guest provides no descriptors.
const defaultEventBufferCap = 1024

// eventBuffer is the staging area between the host input producer and the
// queue dispatcher. The producer may run on any goroutine; the dispatcher
// runs on the device-emulation context. The lock covers only the slice
// manipulation, never descriptor I/O or interrupt signaling.
//
// When the buffer is full the oldest events are dropped first and counted,
// so a stalled guest degrades to bounded memory instead of unbounded growth.
type eventBuffer struct {
	mu      sync.Mutex
	events  []InputEvent
	cap     int
	dropped uint64
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity <= 0 {
		panic("virtio-input: event buffer capacity must be positive")
	}
	return &eventBuffer{cap: capacity}
}

// push appends a batch of events atomically. Callers that need the guest to
// observe events together (a key transition and its SYN_REPORT) must pass
// them in one call so a concurrent drain cannot split them.
func (b *eventBuffer) push(events ...InputEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, events...)
	b.trimLocked()
	b.mu.Unlock()
}

// drain removes and returns up to maxBatch events in push order.
func (b *eventBuffer) drain(maxBatch int) []InputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(maxBatch, len(b.events))
	if n <= 0 {
		return nil
	}
	batch := make([]InputEvent, n)
	copy(batch, b.events[:n])
	b.events = append(b.events[:0], b.events[n:]...)
	return batch
}

// requeue returns undelivered events to the front of the buffer, preserving
// their original order ahead of anything pushed since the drain.
func (b *eventBuffer) requeue(events []InputEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	b.events = append(append(make([]InputEvent, 0, len(events)+len(b.events)), events...), b.events...)
	b.trimLocked()
	b.mu.Unlock()
}

func (b *eventBuffer) trimLocked() {
	if over := len(b.events) - b.cap; over > 0 {
		b.events = append(b.events[:0], b.events[over:]...)
		b.dropped += uint64(over)
	}
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// droppedCount reports how many events have been discarded to stay within
// the buffer bound.
func (b *eventBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// discardAll empties the buffer, for device reset and teardown.
func (b *eventBuffer) discardAll() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}
