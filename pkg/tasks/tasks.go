// Package tasks serialises work units per volume: one task at a time per
// volume, parallel across volumes, with cancellation at cooperative yield
// points and a planner for recurring work.
package tasks

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/store"
)

// Runner is the work of a task. It must observe ctx between sub-operations;
// cancellation takes effect at those yield points.
type Runner func(ctx context.Context, t *Task) error

// Task is one unit of queued work.
type Task struct {
	ID           int64
	Action       string
	DisplayTitle string
	VolumeID     *int64
	IssueID      *int64
	CalledFrom   string
	Run          Runner

	orch   *Orchestrator
	runCtx context.Context

	mu      sync.Mutex
	message string
}

// Message returns the task's user-visible progress message.
func (t *Task) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// SetMessage updates the progress message and broadcasts it.
func (t *Task) SetMessage(message string) {
	t.mu.Lock()
	t.message = message
	t.mu.Unlock()
	if t.orch != nil {
		t.orch.events.Publish(events.EventTaskStatus, events.TaskStatusData{Message: message})
	}
}

type runningTask struct {
	task   *Task
	cancel context.CancelFunc
}

// Orchestrator runs tasks with one lane per volume plus a global lane for
// volume-less tasks.
type Orchestrator struct {
	store  *store.Store
	events *events.Broker
	logger zerolog.Logger

	workers int

	mu          sync.Mutex
	nextID      int64
	pending     []*Task
	running     map[int64]*runningTask
	volumeLanes map[int64]bool
	globalLane  bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator creates the task orchestrator. workers caps parallel
// tasks; zero means one per logical CPU.
func NewOrchestrator(st *store.Store, eb *events.Broker, workers int) *Orchestrator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Orchestrator{
		store:       st,
		events:      eb,
		logger:      log.WithComponent("tasks"),
		workers:     workers,
		nextID:      1,
		running:     map[int64]*runningTask{},
		volumeLanes: map[int64]bool{},
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for range o.workers {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop cancels running tasks and waits for the workers to drain. Safe to
// call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)

		o.mu.Lock()
		for _, rt := range o.running {
			rt.cancel()
		}
		o.mu.Unlock()
	})
	o.wg.Wait()
}

// AddTask queues a task and returns its id.
func (o *Orchestrator) AddTask(t *Task) int64 {
	o.mu.Lock()
	t.ID = o.nextID
	o.nextID++
	t.orch = o
	o.pending = append(o.pending, t)
	o.mu.Unlock()

	o.logger.Info().
		Int64("task_id", t.ID).
		Str("action", t.Action).
		Msg("Added task")
	o.events.Publish(events.EventTaskAdded, events.TaskData{
		ID: t.ID, Action: t.Action, Message: t.DisplayTitle,
	})

	o.kick()
	return t.ID
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// TaskSummary describes a queued or running task.
type TaskSummary struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	DisplayTitle string `json:"display_title"`
	VolumeID     *int64 `json:"volume_id"`
	IssueID      *int64 `json:"issue_id"`
	Message      string `json:"message"`
	Running      bool   `json:"running"`
}

// List returns running tasks first, then pending ones in queue order.
func (o *Orchestrator) List() []TaskSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result []TaskSummary
	for _, rt := range o.running {
		result = append(result, summarize(rt.task, true))
	}
	for _, t := range o.pending {
		result = append(result, summarize(t, false))
	}
	return result
}

// Get returns one task.
func (o *Orchestrator) Get(id int64) (TaskSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rt, ok := o.running[id]; ok {
		return summarize(rt.task, true), nil
	}
	for _, t := range o.pending {
		if t.ID == id {
			return summarize(t, false), nil
		}
	}
	return TaskSummary{}, errs.ErrTaskNotFound
}

func summarize(t *Task, running bool) TaskSummary {
	return TaskSummary{
		ID:           t.ID,
		Action:       t.Action,
		DisplayTitle: t.DisplayTitle,
		VolumeID:     t.VolumeID,
		IssueID:      t.IssueID,
		Message:      t.Message(),
		Running:      running,
	}
}

// Delete removes a queued task. A running task is not deletable.
func (o *Orchestrator) Delete(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.running[id]; ok {
		return errs.ErrTaskNotDeletable
	}
	for i, t := range o.pending {
		if t.ID == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return nil
		}
	}
	return errs.ErrTaskNotFound
}

// TaskForVolume reports whether a task for the volume is queued or running.
func (o *Orchestrator) TaskForVolume(volumeID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.volumeLanes[volumeID] {
		return true
	}
	for _, t := range o.pending {
		if t.VolumeID != nil && *t.VolumeID == volumeID {
			return true
		}
	}
	return false
}

// claim pops the first pending task whose lane is free.
func (o *Orchestrator) claim() *Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, t := range o.pending {
		if t.VolumeID != nil {
			if o.volumeLanes[*t.VolumeID] {
				continue
			}
			o.volumeLanes[*t.VolumeID] = true
		} else {
			if o.globalLane {
				continue
			}
			o.globalLane = true
		}

		o.pending = append(o.pending[:i], o.pending[i+1:]...)
		ctx, cancel := context.WithCancel(context.Background())
		o.running[t.ID] = &runningTask{task: t, cancel: cancel}
		t.runCtx = ctx
		return t
	}
	return nil
}

func (o *Orchestrator) release(t *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rt, ok := o.running[t.ID]; ok {
		rt.cancel()
		delete(o.running, t.ID)
	}
	if t.VolumeID != nil {
		delete(o.volumeLanes, *t.VolumeID)
	} else {
		o.globalLane = false
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()

	for {
		task := o.claim()
		if task == nil {
			select {
			case <-o.wake:
				continue
			case <-o.stopCh:
				return
			}
		}

		o.execute(task)
		o.kick()

		select {
		case <-o.stopCh:
			return
		default:
		}
	}
}

func (o *Orchestrator) execute(t *Task) {
	defer o.release(t)

	logger := o.logger.With().
		Int64("task_id", t.ID).
		Str("action", t.Action).
		Logger()
	logger.Info().Msg("Task started")

	err := t.Run(t.runCtx, t)
	switch {
	case err == nil:
		logger.Info().Msg("Task finished")
	case t.runCtx.Err() != nil:
		logger.Info().Msg("Task cancelled")
	default:
		logger.Error().Err(err).Msg("Task failed")
	}

	if err := o.store.AddTaskHistory(context.Background(), t.Action, t.DisplayTitle); err != nil {
		logger.Warn().Err(err).Msg("Failed to record task history")
	}
	o.events.Publish(events.EventTaskEnded, events.TaskData{
		ID: t.ID, Action: t.Action, Message: t.DisplayTitle,
	})
}
