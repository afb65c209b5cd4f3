package streamctx

import (
	"github.com/dockrion/dockrion/go/events/internal/events"
	"github.com/dockrion/dockrion/go/events/internal/metrics"
)

const (
	defaultQueueHighWater = 256
	minQueueHighWater     = 8
)

// eventQueue is the bounded drain buffer behind queue-mode contexts.
// All access happens under the owning StreamContext's lock.
type eventQueue struct {
	max    int
	items  []events.Event
	notify chan struct{}
}

func newEventQueue(highWater int) *eventQueue {
	if highWater <= 0 {
		highWater = defaultQueueHighWater
	}
	if highWater < minQueueHighWater {
		highWater = minQueueHighWater
	}
	return &eventQueue{
		max:    highWater,
		notify: make(chan struct{}, 1),
	}
}

// push appends e, evicting the oldest non-mandatory event once the
// high-water mark is reached. When only mandatory events remain the
// queue collapses to a single synthesized overflow error so the loss is
// visible on-stream rather than silent.
func (q *eventQueue) push(e events.Event) {
	if len(q.items) >= q.max {
		victim := -1
		for i := range q.items {
			if !q.items[i].Type.Mandatory() {
				victim = i
				break
			}
		}
		if victim >= 0 {
			q.items = append(q.items[:victim], q.items[victim+1:]...)
			metrics.QueueEvictions.Inc()
			metrics.EventsDropped.WithLabelValues(metrics.DropOverflow).Inc()
		} else {
			lost := q.items[0]
			syn := events.NewError(lost.RunID, "event queue overflowed before drain", events.CodeOverflow,
				map[string]any{"dropped": len(q.items)})
			syn.Sequence = lost.Sequence
			metrics.QueueEvictions.Add(float64(len(q.items)))
			metrics.EventsDropped.WithLabelValues(metrics.DropOverflow).Add(float64(len(q.items)))
			q.items = q.items[:0]
			q.items = append(q.items, syn)
		}
	}
	q.items = append(q.items, e)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain hands the buffered events to the caller and resets the buffer.
func (q *eventQueue) drain() []events.Event {
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}
