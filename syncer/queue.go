package syncer

import "sync"

// Queue holds operations deferred while the remote store was unreachable.
// Entries are per table, so an outage cannot grow it beyond the number of
// distinct operations.
type Queue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

// Enqueue appends e unless an identical entry is already pending. It reports
// whether the entry was added.
func (q *Queue) Enqueue(e QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.entries {
		if existing.Direction == e.Direction && existing.Table == e.Table && existing.Options.Equal(e.Options) {
			return false
		}
	}
	q.entries = append(q.entries, e)
	return true
}

// Drain removes and returns every pending entry in FIFO order.
func (q *Queue) Drain() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.entries
	q.entries = nil
	return entries
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

func (q *Queue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}
