// Package buffer holds validated outbound messages per topic until a size or
// interval flush hands them to the publisher.
package buffer

import (
	"sync"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
)

// Buffer is a bounded queue for a single outbound topic. It has two regions:
// fresh entries, bounded by Capacity, and re-buffered entries that could not
// be published yet, bounded by RebufferCapacity. Drain returns re-buffered
// entries before fresh ones so arrival order is preserved.
type Buffer struct {
	topic            string
	capacity         int
	rebufferCapacity int

	mu            sync.Mutex
	fresh         []types.OutboundMessage
	rebuffered    []types.OutboundMessage
	lastFlushTime time.Time
}

// New creates an empty buffer for topic.
func New(topic string, capacity, rebufferCapacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if rebufferCapacity < 0 {
		rebufferCapacity = 0
	}
	return &Buffer{
		topic:            topic,
		capacity:         capacity,
		rebufferCapacity: rebufferCapacity,
		fresh:            make([]types.OutboundMessage, 0, capacity),
	}
}

// Topic returns the output topic this buffer feeds.
func (b *Buffer) Topic() string {
	return b.topic
}

// Enqueue appends msg. full reports that the fresh region has reached capacity
// and a flush should be forced. If the fresh region is already full because a
// flush has not yet drained it, its oldest entry moves to the re-buffer region;
// any entries that overflow that region are returned as dropped.
func (b *Buffer) Enqueue(msg types.OutboundMessage) (full bool, dropped []types.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.fresh) >= b.capacity {
		b.rebuffered = append(b.rebuffered, b.fresh[0])
		b.fresh = append(b.fresh[:0], b.fresh[1:]...)
		dropped = b.trimLocked()
	}
	b.fresh = append(b.fresh, msg)
	return len(b.fresh) >= b.capacity, dropped
}

// Drain atomically swaps both regions for empty ones and returns their
// contents. An entry is never returned by two drains.
func (b *Buffer) Drain() []types.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFlushTime = time.Now()
	if len(b.fresh) == 0 && len(b.rebuffered) == 0 {
		return nil
	}
	out := make([]types.OutboundMessage, 0, len(b.rebuffered)+len(b.fresh))
	out = append(out, b.rebuffered...)
	out = append(out, b.fresh...)
	b.rebuffered = nil
	b.fresh = make([]types.OutboundMessage, 0, b.capacity)
	return out
}

// Requeue puts a deferred batch back in front of the re-buffer region, order
// preserved. When the region overflows the oldest entries are dropped and
// returned to the caller.
func (b *Buffer) Requeue(batch []types.OutboundMessage) (dropped []types.OutboundMessage) {
	if len(batch) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]types.OutboundMessage, 0, len(batch)+len(b.rebuffered))
	merged = append(merged, batch...)
	merged = append(merged, b.rebuffered...)
	b.rebuffered = merged
	return b.trimLocked()
}

// Len returns the number of entries held in both regions.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fresh) + len(b.rebuffered)
}

// LastFlushTime returns when the buffer was last drained.
func (b *Buffer) LastFlushTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlushTime
}

// trimLocked drops the oldest re-buffered entries beyond rebufferCapacity.
func (b *Buffer) trimLocked() []types.OutboundMessage {
	excess := len(b.rebuffered) - b.rebufferCapacity
	if excess <= 0 {
		return nil
	}
	dropped := make([]types.OutboundMessage, excess)
	copy(dropped, b.rebuffered[:excess])
	b.rebuffered = append([]types.OutboundMessage(nil), b.rebuffered[excess:]...)
	return dropped
}
