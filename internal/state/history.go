package state

import (
	"strings"
	"time"
)

// DefaultHistoryCapacity bounds the in-memory change log.
const DefaultHistoryCapacity = 10000

// ChangeEvent is one applied mutation. Events are never modified after
// they are appended.
type ChangeEvent struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Path      string         `json:"path"`
	OldValue  any            `json:"oldValue"`
	NewValue  any            `json:"newValue"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// copy returns an event whose values share no memory with e.
func (e ChangeEvent) copy() ChangeEvent {
	out := e
	out.OldValue = deepCopy(e.OldValue)
	out.NewValue = deepCopy(e.NewValue)
	if e.Metadata != nil {
		out.Metadata = deepCopy(e.Metadata).(map[string]any)
	}
	return out
}

// ring is a fixed-capacity FIFO of change events; the oldest entry is
// overwritten once the buffer is full.
type ring struct {
	buf  []ChangeEvent
	head int // index of the oldest entry
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ring{buf: make([]ChangeEvent, capacity)}
}

func (r *ring) push(e ChangeEvent) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) len() int { return r.size }

// each visits events oldest first until fn returns false.
func (r *ring) each(fn func(ChangeEvent) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.buf[(r.head+i)%len(r.buf)]) {
			return
		}
	}
}

// last returns up to n of the newest events, oldest first.
func (r *ring) last(n int) []ChangeEvent {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]ChangeEvent, 0, n)
	skip := r.size - n
	i := 0
	r.each(func(e ChangeEvent) bool {
		if i >= skip {
			out = append(out, e.copy())
		}
		i++
		return true
	})
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.size = 0, 0
}

// underPath reports whether changed equals path or is a dotted descendant.
// The empty path is the root and contains everything.
func underPath(changed, path string) bool {
	if path == "" || changed == path {
		return true
	}
	return strings.HasPrefix(changed, path+".")
}
