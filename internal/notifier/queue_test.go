package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qe(id string, p Priority) *entry {
	return &entry{req: Request{ID: id, Priority: p}}
}

func TestQueueTieredFIFO(t *testing.T) {
	t.Parallel()
	var q queue
	q.push(qe("low", PriorityLow))
	q.push(qe("urgent-1", PriorityUrgent))
	q.push(qe("normal", PriorityNormal))
	q.push(qe("high", PriorityHigh))
	q.push(qe("urgent-2", PriorityUrgent))

	assert.Equal(t, []string{"urgent-1", "urgent-2", "high", "normal", "low"}, q.ids())

	var got []string
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, e.req.ID)
	}
	assert.Equal(t, []string{"urgent-1", "urgent-2", "high", "normal", "low"}, got)
	assert.Zero(t, q.len())
}

func TestQueuePushFrontAndRemove(t *testing.T) {
	t.Parallel()
	var q queue
	q.push(qe("a", PriorityHigh))
	q.push(qe("b", PriorityNormal))
	q.pushFront(qe("retry", PriorityLow))

	assert.Equal(t, []string{"retry", "a", "b"}, q.ids())

	e, ok := q.remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", e.req.ID)
	_, ok = q.remove("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"retry", "b"}, q.ids())
}

func TestQueueEvictLowestTierOldest(t *testing.T) {
	t.Parallel()
	var q queue
	q.push(qe("high", PriorityHigh))
	q.push(qe("low-1", PriorityLow))
	q.push(qe("normal", PriorityNormal))
	q.push(qe("low-2", PriorityLow))

	e, ok := q.evict()
	require.True(t, ok)
	assert.Equal(t, "low-1", e.req.ID)
	assert.Equal(t, []string{"high", "normal", "low-2"}, q.ids())

	var empty queue
	_, ok = empty.evict()
	assert.False(t, ok)
}

func TestQueueClear(t *testing.T) {
	t.Parallel()
	var q queue
	q.push(qe("a", PriorityHigh))
	q.push(qe("b", PriorityHigh))
	out := q.clear()
	assert.Len(t, out, 2)
	assert.Zero(t, q.len())
	_, ok := q.pop()
	assert.False(t, ok)
}
