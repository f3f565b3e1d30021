package notifier

import "time"

// entry wraps a cloned request with queue bookkeeping.
type entry struct {
	req        Request
	gen        uint64 // ledger instance this entry delivers
	enqueuedAt time.Time
	retries    int
}

// queue is a tiered FIFO: higher priority first, arrival order within a tier.
// Not safe for concurrent use; the engine guards it.
type queue struct {
	items []*entry
}

func (q *queue) len() int { return len(q.items) }

// push inserts before the first entry of a strictly lower tier, so existing
// same-or-higher entries are never reordered.
func (q *queue) push(e *entry) {
	i := len(q.items)
	for idx, it := range q.items {
		if it.req.Priority < e.req.Priority {
			i = idx
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
}

// pushFront re-inserts a retried entry at the head.
func (q *queue) pushFront(e *entry) {
	q.items = append([]*entry{e}, q.items...)
}

func (q *queue) pop() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

func (q *queue) remove(id string) (*entry, bool) {
	for i, it := range q.items {
		if it.req.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it, true
		}
	}
	return nil, false
}

func (q *queue) clear() []*entry {
	out := q.items
	q.items = nil
	return out
}

// evict drops the oldest entry of the lowest tier present.
func (q *queue) evict() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	victim := 0
	for i, it := range q.items {
		if it.req.Priority < q.items[victim].req.Priority {
			victim = i
		}
	}
	e := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return e, true
}

func (q *queue) ids() []string {
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.req.ID)
	}
	return out
}
