package crawler

import (
	"container/heap"
	"fmt"
	"time"
)

// TaskKind identifies what a task does when it runs.
type TaskKind int

// Task kinds.
const (
	TaskListing TaskKind = iota + 1
	TaskDetail
	TaskRelationPage
	TaskDone
)

func (k TaskKind) String() string {
	switch k {
	case TaskListing:
		return "listing"
	case TaskDetail:
		return "detail"
	case TaskRelationPage:
		return "relation_page"
	case TaskDone:
		return "done"
	default:
		return fmt.Sprintf("task(%d)", int(k))
	}
}

// Task is one unit of scheduled crawl work.
type Task struct {
	Kind   TaskKind
	Entity EntityType
	// Since is the listing cursor.
	Since int64
	// ID is the entity id for details and the owner id for relation pages.
	ID       int64
	Relation Relation
	Page     int
	// Failures counts transport errors seen by this task so far.
	Failures int

	due time.Time
	seq uint64
}

func (t Task) String() string {
	switch t.Kind {
	case TaskListing:
		return fmt.Sprintf("listing(%s since=%d)", t.Entity, t.Since)
	case TaskDetail:
		return fmt.Sprintf("detail(%s %d)", t.Entity, t.ID)
	case TaskRelationPage:
		return fmt.Sprintf("relation(%s %d page=%d)", t.Relation, t.ID, t.Page)
	default:
		return t.Kind.String()
	}
}

// taskQueue is a min-heap on due time; ties run in insertion order.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *taskQueue) push(t *Task) { heap.Push(q, t) }

func (q *taskQueue) pop() *Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

// countWork returns the number of queued tasks other than Done.
func (q taskQueue) countWork() int {
	n := 0
	for _, t := range q {
		if t.Kind != TaskDone {
			n++
		}
	}
	return n
}
