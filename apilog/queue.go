package apilog

import "sync"

// Queue buffers pending entries in arrival order.
// All methods are safe for concurrent use; Enqueue and Drain are atomic with
// respect to each other, so an entry is either in a drained batch or still
// queued, never both.
type Queue struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int // 0 = unbounded
	dropped uint64
}

// NewQueue returns a Queue. With max > 0 the queue keeps at most max entries
// and drops the oldest to make room.
func NewQueue(max int) *Queue {
	if max < 0 {
		max = 0
	}
	return &Queue{max: max}
}

// Enqueue appends entry at the tail and returns the resulting length.
func (q *Queue) Enqueue(entry LogEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	q.trimLocked()
	return len(q.entries)
}

// Drain removes and returns everything queued, oldest first.
// It returns nil when the queue is empty.
func (q *Queue) Drain() []LogEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	out := q.entries
	q.entries = nil
	return out
}

// Requeue puts entries back at the head, ahead of anything enqueued since
// they were drained, keeping their relative order.
func (q *Queue) Requeue(entries []LogEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(entries) == 0 {
		return len(q.entries)
	}
	merged := make([]LogEntry, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	q.entries = merged
	q.trimLocked()
	return len(q.entries)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear discards every queued entry and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}

// Dropped returns how many entries overflow has discarded so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) trimLocked() {
	if q.max == 0 || len(q.entries) <= q.max {
		return
	}
	over := len(q.entries) - q.max
	q.dropped += uint64(over)
	// copy so the dropped prefix is not pinned by the backing array
	kept := make([]LogEntry, q.max)
	copy(kept, q.entries[over:])
	q.entries = kept
}
