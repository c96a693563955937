// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ibft

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutTask is a scheduled one-shot alarm. The captured View lets handlers
// reject a fire that raced with the round it was armed for being superseded;
// removal alone cannot close that race, since a task may already have been
// dequeued when the round advances.
type TimeoutTask struct {
	ID       string
	View     View
	Deadline time.Time
	Task     func()

	index int // for heap to work more efficiently
}

// TimeoutHandler runs scheduled tasks when externally advanced time passes
// their deadlines. Tasks run on the handler's own goroutine and must only
// enqueue events, never touch engine state directly.
type TimeoutHandler struct {
	lock sync.Mutex

	ticks chan time.Time
	close chan struct{}
	tasks map[string]*TimeoutTask
	heap  taskHeap
	now   time.Time

	log Logger
}

// NewTimeoutHandler returns a TimeoutHandler and starts a new goroutine that
// listens for ticks and executes TimeoutTasks.
func NewTimeoutHandler(log Logger, startTime time.Time) *TimeoutHandler {
	t := &TimeoutHandler{
		now:   startTime,
		tasks: make(map[string]*TimeoutTask),
		ticks: make(chan time.Time, 1),
		close: make(chan struct{}),
		log:   log,
	}

	go t.run()

	return t
}

func (t *TimeoutHandler) GetTime() time.Time {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.now
}

func (t *TimeoutHandler) run() {
	for t.shouldRun() {
		select {
		case now := <-t.ticks:
			t.lock.Lock()
			t.now = now
			t.lock.Unlock()

			t.maybeRunTasks()
		case <-t.close:
			return
		}
	}
}

func (t *TimeoutHandler) maybeRunTasks() {
	// go through the heap executing relevant tasks
	for {
		t.lock.Lock()
		if t.heap.Len() == 0 {
			t.lock.Unlock()
			break
		}

		next := t.heap[0]
		if next.Deadline.After(t.now) {
			t.lock.Unlock()
			break
		}

		heap.Pop(&t.heap)
		delete(t.tasks, next.ID)
		t.lock.Unlock()
		t.log.Debug("Executing timeout task",
			zap.String("taskID", next.ID), zap.Stringer("view", next.View))
		next.Task()
	}
}

func (t *TimeoutHandler) shouldRun() bool {
	select {
	case <-t.close:
		return false
	default:
		return true
	}
}

// Tick advances the handler's notion of time. Ticks never move time
// backwards; a stale tick is dropped.
func (t *TimeoutHandler) Tick(now time.Time) {
	t.lock.Lock()
	if now.Before(t.now) {
		t.lock.Unlock()
		return
	}
	t.lock.Unlock()

	select {
	case t.ticks <- now:
	default:
		t.log.Debug("Dropping tick in timeout handler")
	}
}

// AddTask schedules a task. Adding a task with an ID that is already
// scheduled is ignored.
func (t *TimeoutHandler) AddTask(task *TimeoutTask) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.tasks[task.ID]; ok {
		t.log.Debug("Trying to add an already included task", zap.String("taskID", task.ID))
		return
	}

	t.tasks[task.ID] = task
	t.log.Debug("Adding timeout task",
		zap.String("taskID", task.ID),
		zap.Stringer("view", task.View),
		zap.Time("deadline", task.Deadline))
	heap.Push(&t.heap, task)
}

// RemoveTask cancels a scheduled task. Removing an unknown ID is a no-op.
func (t *TimeoutHandler) RemoveTask(id string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	task, ok := t.tasks[id]
	if !ok {
		return
	}

	t.log.Debug("Removing timeout task", zap.String("taskID", id))
	heap.Remove(&t.heap, task.index)
	delete(t.tasks, id)
}

func (t *TimeoutHandler) Close() {
	select {
	case <-t.close:
		return
	default:
		close(t.close)
	}
}

// ----------------------------------------------------------------------
type taskHeap []*TimeoutTask

func (h *taskHeap) Len() int { return len(*h) }

// Less returns if the task at index [i] has a lower timeout than the task at index [j]
func (h *taskHeap) Less(i, j int) bool { return (*h)[i].Deadline.Before((*h)[j].Deadline) }

// Swap swaps the values at index [i] and [j]
func (h *taskHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].index = i
	(*h)[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*TimeoutTask)
	task.index = h.Len()
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	len := h.Len()
	task := old[len-1]
	old[len-1] = nil
	*h = old[0 : len-1]
	task.index = -1
	return task
}
