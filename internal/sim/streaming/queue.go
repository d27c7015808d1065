package streaming

import (
	"time"

	"github.com/google/uuid"

	"voxelstream.ai/internal/sim/clipmap"
)

// pendingLoad is one submitted batch waiting to be applied.
type pendingLoad struct {
	id            uuid.UUID
	witness       string
	keys          []clipmap.NodeKey
	handle        BatchHandle
	submittedTick uint64
	submittedAt   time.Time
}

// pendingLoadTasks is a FIFO of outstanding batches. Its length is the only
// signal used to cap outstanding work. Not safe for concurrent use.
type pendingLoadTasks struct {
	tasks []*pendingLoad
}

func (q *pendingLoadTasks) Len() int { return len(q.tasks) }

func (q *pendingLoadTasks) Push(t *pendingLoad) {
	q.tasks = append(q.tasks, t)
}

// PopFront removes and returns the oldest batch.
func (q *pendingLoadTasks) PopFront() (*pendingLoad, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, true
}

// PushFront puts a batch back at the head, undoing PopFront.
func (q *pendingLoadTasks) PushFront(t *pendingLoad) {
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[1:], q.tasks)
	q.tasks[0] = t
}

func (q *pendingLoadTasks) front() (*pendingLoad, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	return q.tasks[0], true
}
