package cache

// UploadQueue batches a run of node writes and flushes them together once
// either batchSize distinct ids are queued or Flush is called explicitly
// (always done before Commit). Repeated puts of the same id between
// flushes are coalesced, so a node rewritten by several inserts on one
// root-to-leaf path is written back once per flush instead of once per
// put.
type UploadQueue struct {
	batchSize int
	writeBack func(id uint64, block []byte) error

	pending   map[uint64][]byte
	order     []uint64
	pendingRM map[uint64]bool
}

// NewUploadQueue returns an UploadQueue that calls writeBack for each
// queued block once Flush runs, batching up to batchSize distinct ids
// before an automatic flush. writeBack must persist the block durably enough for
// Flush's caller to rely on it (ordinarily: stage it with the backend's
// journal).
func NewUploadQueue(batchSize int, writeBack func(id uint64, block []byte) error) *UploadQueue {
	return &UploadQueue{
		batchSize: batchSize,
		writeBack: writeBack,
		pending:   make(map[uint64][]byte),
		pendingRM: make(map[uint64]bool),
	}
}

// Push queues block for id to be written back. If this reaches the batch
// size, it flushes immediately.
func (q *UploadQueue) Push(id uint64, block []byte) error {
	if _, already := q.pending[id]; !already {
		q.order = append(q.order, id)
	}
	q.pending[id] = block
	delete(q.pendingRM, id)
	if len(q.pending) >= q.batchSize {
		return q.Flush()
	}
	return nil
}

// Remove cancels a pending write for id, if queued, and marks id as
// removed so a subsequent Get (via Peek) reports it absent until the next
// Push. It reports whether a pending write for id was actually queued, so
// a caller whose backing store has no other record of id yet (it was
// never flushed past this queue) can tell the two cases apart.
func (q *UploadQueue) Remove(id uint64) bool {
	_, hadPending := q.pending[id]
	delete(q.pending, id)
	q.pendingRM[id] = true
	return hadPending
}

// Peek returns a block queued for id, without flushing, for callers that
// want to serve a Get from the queue before the backend sees the write.
func (q *UploadQueue) Peek(id uint64) ([]byte, bool) {
	if q.pendingRM[id] {
		return nil, false
	}
	b, ok := q.pending[id]
	return b, ok
}

// Flush writes every queued block through writeBack, in the order it was
// queued, and clears the queue.
func (q *UploadQueue) Flush() error {
	for _, id := range q.order {
		block, ok := q.pending[id]
		if !ok {
			continue
		}
		if err := q.writeBack(id, block); err != nil {
			return err
		}
	}
	q.pending = make(map[uint64][]byte)
	q.pendingRM = make(map[uint64]bool)
	q.order = nil
	return nil
}

// Len reports the number of distinct ids currently queued.
func (q *UploadQueue) Len() int {
	return len(q.pending)
}
