package scheduler

import (
	"container/heap"
	"sort"
)

// queueItem wraps a task with its priority score and insertion sequence.
type queueItem struct {
	task  *Task
	score float64
	seq   uint64
	index int
}

// taskHeap is a max-heap on score. Equal scores pop in insertion order.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// priorityQueue indexes the heap by task ID so arbitrary entries can be removed.
type priorityQueue struct {
	items taskHeap
	byID  map[string]*queueItem
	seq   uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{byID: make(map[string]*queueItem)}
}

func (q *priorityQueue) Len() int { return len(q.items) }

func (q *priorityQueue) push(task *Task, score float64) {
	q.seq++
	item := &queueItem{task: task, score: score, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[task.ID] = item
}

func (q *priorityQueue) remove(taskID string) *queueItem {
	item, ok := q.byID[taskID]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return item
}

func (q *priorityQueue) contains(taskID string) bool {
	_, ok := q.byID[taskID]
	return ok
}

// ordered returns the entries from highest to lowest priority without
// disturbing the heap.
func (q *priorityQueue) ordered() []*queueItem {
	out := make([]*queueItem, len(q.items))
	copy(out, q.items)
	sortItems(out)
	return out
}

func sortItems(items []*queueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].seq < items[j].seq
	})
}
