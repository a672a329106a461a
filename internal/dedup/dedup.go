// Package dedup implements the bounded FIFO window of recently seen jids
// that shields an agent from transport re-delivery. Each agent identity
// owns its own window; a fan-out job is deduplicated independently per
// sub-minion.
package dedup

import "sync"

// Window records recently admitted jids up to a high-water mark. When a
// new jid would push the window past the mark, the oldest entry is evicted
// first-in first-out.
type Window struct {
	mu   sync.Mutex
	hwm  int
	seen map[string]struct{}
	fifo []string
}

// NewWindow builds a window with the given high-water mark. The mark is
// injected from configuration (jid_queue_hwm), never hard-coded here.
func NewWindow(hwm int) *Window {
	if hwm < 1 {
		hwm = 1
	}
	return &Window{
		hwm:  hwm,
		seen: make(map[string]struct{}, hwm),
		fifo: make([]string, 0, hwm),
	}
}

// Admit records the jid and reports whether the caller should proceed.
// A jid already present is rejected without any eviction; an admitted jid
// may evict the oldest entry to keep the window within its mark.
func (w *Window) Admit(jid string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[jid]; dup {
		return false
	}

	w.seen[jid] = struct{}{}
	w.fifo = append(w.fifo, jid)
	if len(w.fifo) > w.hwm {
		oldest := w.fifo[0]
		w.fifo = w.fifo[1:]
		delete(w.seen, oldest)
	}
	return true
}

// Len reports the number of jids currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fifo)
}
