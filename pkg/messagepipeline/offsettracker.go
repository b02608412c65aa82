package messagepipeline

import (
	"sort"
	"sync"
)

type topicPartition struct {
	topic     string
	partition int
}

// offsetTracker turns out-of-order acknowledgments into an in-order commit
// position per partition. An offset becomes committable only once it and
// every offset fetched before it on the same partition have been acked.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[topicPartition]*partitionOffsets
}

type partitionOffsets struct {
	// pending is sorted ascending.
	pending []int64
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[topicPartition]*partitionOffsets)}
}

// track records that offset was fetched and is awaiting its ack.
func (t *offsetTracker) track(tp topicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[tp]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[tp] = p
	}
	n := len(p.pending)
	if n == 0 || p.pending[n-1] < offset {
		p.pending = append(p.pending, offset)
		return
	}
	// Refetch after a rebalance: keep the list sorted and free of duplicates.
	i := sort.Search(n, func(i int) bool { return p.pending[i] >= offset })
	if i < n && p.pending[i] == offset {
		return
	}
	p.pending = append(p.pending, 0)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = offset
}

// ack marks offset as done and returns the highest offset that can now be
// committed, if the contiguous prefix advanced.
func (t *offsetTracker) ack(tp topicPartition, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[tp]
	if !ok {
		return 0, false
	}
	p.acked[offset] = true

	var committable int64
	advanced := false
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		committable = p.pending[0]
		delete(p.acked, committable)
		p.pending = p.pending[1:]
		advanced = true
	}
	return committable, advanced
}

// pendingCount returns the number of fetched but not yet committable offsets.
func (t *offsetTracker) pendingCount(tp topicPartition) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[tp]; ok {
		return len(p.pending)
	}
	return 0
}
