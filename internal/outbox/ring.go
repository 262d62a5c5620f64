package outbox

// ring is a fixed-capacity FIFO. When full, push overwrites the oldest item
// and reports the drop. Not safe for concurrent use; Queue synchronizes.
type ring struct {
	buf      []Item
	capacity int
	head     int // next write position
	count    int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:      make([]Item, capacity),
		capacity: capacity,
	}
}

func (r *ring) push(item Item) (dropped bool) {
	if r.count == r.capacity {
		// head already points at the oldest item
		r.buf[r.head] = item
		r.head = (r.head + 1) % r.capacity
		return true
	}
	r.buf[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.count++
	return false
}

func (r *ring) drainAll() []Item {
	if r.count == 0 {
		return nil
	}

	out := make([]Item, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
		r.buf[(start+i)%r.capacity] = Item{}
	}

	r.count = 0
	r.head = 0
	return out
}

func (r *ring) len() int {
	return r.count
}
