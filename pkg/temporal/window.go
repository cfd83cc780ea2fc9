package temporal

import (
	"sync/atomic"
	"time"
)

// window is a lock-free rolling counter over span, split into len(buckets)
// buckets of equal width.
type window struct {
	width   int64 // bucket width in nanoseconds
	buckets []atomic.Uint64
}

func newWindow(n int, span time.Duration) *window {
	return &window{
		width:   int64(span) / int64(n),
		buckets: make([]atomic.Uint64, n),
	}
}

func (w *window) epoch(at time.Time) uint32 {
	return uint32(at.UnixNano() / w.width)
}

func pack(epoch, count uint32) uint64 { return uint64(epoch)<<32 | uint64(count) }

func unpack(v uint64) (epoch, count uint32) { return uint32(v >> 32), uint32(v) }

// add counts one event at the given time.
func (w *window) add(at time.Time) {
	e := w.epoch(at)
	b := &w.buckets[int(e%uint32(len(w.buckets)))]
	for {
		old := b.Load()
		be, c := unpack(old)
		var next uint64
		switch {
		case be == e:
			if c == ^uint32(0) {
				return
			}
			next = pack(e, c+1)
		case int32(e-be) > 0:
			next = pack(e, 1)
		default:
			// The slot already holds a newer epoch: this event is older
			// than the whole window.
			return
		}
		if b.CompareAndSwap(old, next) {
			return
		}
	}
}

// sum returns the number of events within the window ending at now.
func (w *window) sum(now time.Time) int64 {
	e := w.epoch(now)
	n := uint32(len(w.buckets))
	var total int64
	for i := range w.buckets {
		be, c := unpack(w.buckets[i].Load())
		if c == 0 {
			continue
		}
		if age := e - be; int32(age) >= 0 && age < n {
			total += int64(c)
		}
	}
	return total
}
