package tasks

import (
	"context"
	"time"

	"github.com/kapowarr/kapowarr/pkg/store"
)

// TaskFactory builds a task for a planned action.
type TaskFactory func() *Task

// plannedAction is one recurring, cron-style task.
type plannedAction struct {
	name     string
	interval time.Duration
	factory  TaskFactory
}

// Planner computes and drives the schedule of recurring tasks.
type Planner struct {
	orch    *Orchestrator
	store   *store.Store
	actions []plannedAction

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPlanner creates a planner on top of the orchestrator.
func NewPlanner(orch *Orchestrator, st *store.Store) *Planner {
	return &Planner{
		orch:   orch,
		store:  st,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// RegisterRecurring adds a recurring action with its default interval.
func (p *Planner) RegisterRecurring(name string, interval time.Duration, factory TaskFactory) {
	p.actions = append(p.actions, plannedAction{
		name:     name,
		interval: interval,
		factory:  factory,
	})
}

// Schedule is one entry of the computed plan: an action's interval and its
// next run time.
type Schedule struct {
	TaskName string        `json:"task_name"`
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run"`
}

// Planning returns the current schedule.
func (p *Planner) Planning(ctx context.Context) ([]Schedule, error) {
	stored, err := p.store.GetTaskIntervals(ctx)
	if err != nil {
		return nil, err
	}
	nextRuns := map[string]time.Time{}
	for _, ti := range stored {
		nextRuns[ti.TaskName] = ti.NextRun
	}

	schedules := make([]Schedule, 0, len(p.actions))
	for _, action := range p.actions {
		next, ok := nextRuns[action.name]
		if !ok {
			// First sighting: persist the computed next run so it stays put
			// and eventually comes due.
			next = time.Now().Add(action.interval)
			if err := p.store.SetTaskInterval(ctx, store.TaskInterval{
				TaskName: action.name,
				Interval: action.interval,
				NextRun:  next,
			}); err != nil {
				return nil, err
			}
		}
		schedules = append(schedules, Schedule{
			TaskName: action.name,
			Interval: action.interval,
			NextRun:  next,
		})
	}
	return schedules, nil
}

// Start begins the planner loop, firing actions whose next-run time passed.
func (p *Planner) Start() {
	go p.run()
}

// Stop stops the planner loop.
func (p *Planner) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Planner) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.fireDue(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

func (p *Planner) fireDue(ctx context.Context) {
	schedules, err := p.Planning(ctx)
	if err != nil {
		return
	}
	byName := map[string]Schedule{}
	for _, s := range schedules {
		byName[s.TaskName] = s
	}

	now := time.Now()
	for _, action := range p.actions {
		schedule := byName[action.name]
		if schedule.NextRun.After(now) {
			continue
		}
		p.orch.AddTask(action.factory())
		p.store.SetTaskInterval(ctx, store.TaskInterval{
			TaskName: action.name,
			Interval: action.interval,
			NextRun:  now.Add(action.interval),
		})
	}
}
