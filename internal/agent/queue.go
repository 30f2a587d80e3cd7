package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

// QueuedOperation is an operation waiting for the transport to come back.
type QueuedOperation struct {
	ID         string
	Operation  room.Operation
	QueuedAt   time.Time
	RetryCount int
	// MaxRetries is how many failed sends the operation survives.
	MaxRetries int
}

// exhausted reports whether the last failed send was one too many.
func (q *QueuedOperation) exhausted() bool {
	return q.RetryCount > q.MaxRetries
}

// queue is a FIFO of operations. It is guarded by the agent's mutex.
type queue struct {
	items      []QueuedOperation
	maxRetries int
}

func (q *queue) entry(op room.Operation, now time.Time) QueuedOperation {
	return QueuedOperation{
		ID:         uuid.NewString(),
		Operation:  op,
		QueuedAt:   now,
		MaxRetries: q.maxRetries,
	}
}

func (q *queue) push(op room.Operation, now time.Time) {
	q.items = append(q.items, q.entry(op, now))
}

// pushFailed queues an operation whose first send already failed.
func (q *queue) pushFailed(op room.Operation, now time.Time) {
	e := q.entry(op, now)
	e.RetryCount = 1
	q.items = append(q.items, e)
}

// prepend puts ops back at the head, keeping their order.
func (q *queue) prepend(ops []room.Operation, now time.Time) {
	if len(ops) == 0 {
		return
	}
	head := make([]QueuedOperation, 0, len(ops)+len(q.items))
	for _, op := range ops {
		head = append(head, q.entry(op, now))
	}
	q.items = append(head, q.items...)
}

func (q *queue) peek() (*QueuedOperation, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return &q.items[0], true
}

func (q *queue) pop() {
	q.items[0] = QueuedOperation{}
	q.items = q.items[1:]
}

func (q *queue) remove(clientID string) bool {
	for i, item := range q.items {
		if item.Operation.ClientID == clientID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) operations() []room.Operation {
	out := make([]room.Operation, len(q.items))
	for i, item := range q.items {
		out[i] = item.Operation
	}
	return out
}

func (q *queue) snapshot() []QueuedOperation {
	out := make([]QueuedOperation, len(q.items))
	copy(out, q.items)
	return out
}
