package coordinator

// DefaultQueueCapacity bounds the outbound queue when no capacity is configured.
const DefaultQueueCapacity = 50

// outboundQueue is a bounded FIFO of encoded frames. When full, the oldest
// frame is dropped to admit a new one.
type outboundQueue struct {
	items    [][]byte
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &outboundQueue{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// push appends a frame and reports whether the oldest one had to be evicted.
func (q *outboundQueue) push(frame []byte) (evicted bool) {
	if len(q.items) >= q.capacity {
		q.popFront()
		evicted = true
	}
	q.items = append(q.items, frame)
	return evicted
}

// pushFront puts a frame back at the head after a failed send.
func (q *outboundQueue) pushFront(frame []byte) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = frame
	if len(q.items) > q.capacity {
		q.items = q.items[:q.capacity]
	}
}

func (q *outboundQueue) popFront() []byte {
	if len(q.items) == 0 {
		return nil
	}
	frame := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return frame
}

func (q *outboundQueue) len() int { return len(q.items) }

func (q *outboundQueue) reset() {
	clear(q.items)
	q.items = q.items[:0]
}

func (q *outboundQueue) snapshot() [][]byte {
	out := make([][]byte, len(q.items))
	copy(out, q.items)
	return out
}
