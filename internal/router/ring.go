package router

// ring is a fixed-capacity FIFO of messages. The oldest entry is overwritten
// on overflow. Single writer (the Router); snapshot reads.
type ring struct {
	buf   []Message
	head  int // index of the oldest entry
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Message, capacity)}
}

func (r *ring) push(m Message) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	// Full: overwrite the oldest and advance.
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot returns the messages oldest-first.
func (r *ring) snapshot() []Message {
	out := make([]Message, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
