package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/store"
)

func newTestOrchestrator(t *testing.T, workers int) *Orchestrator {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch := NewOrchestrator(st, broker, workers)
	orch.Start()
	t.Cleanup(orch.Stop)
	return orch
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestTasksForSameVolumeSerialize(t *testing.T) {
	orch := newTestOrchestrator(t, 4)

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	var done sync.WaitGroup

	run := func(ctx context.Context, _ *Task) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		done.Done()
		return nil
	}

	done.Add(4)
	for range 4 {
		orch.AddTask(&Task{
			Action:       "refresh_and_scan",
			DisplayTitle: "refresh",
			VolumeID:     int64Ptr(1),
			Run:          run,
		})
	}
	done.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent, "tasks for one volume must not overlap")
}

func TestTasksForDifferentVolumesRunInParallel(t *testing.T) {
	orch := newTestOrchestrator(t, 4)

	started := make(chan int64, 2)
	release := make(chan struct{})
	var done sync.WaitGroup
	done.Add(2)

	for _, volumeID := range []int64{1, 2} {
		id := volumeID
		orch.AddTask(&Task{
			Action:   "refresh_and_scan",
			VolumeID: int64Ptr(id),
			Run: func(ctx context.Context, _ *Task) error {
				started <- id
				<-release
				done.Done()
				return nil
			},
		})
	}

	// Both tasks start without either finishing.
	timeout := time.After(2 * time.Second)
	for range 2 {
		select {
		case <-started:
		case <-timeout:
			t.Fatal("tasks did not run in parallel")
		}
	}
	close(release)
	done.Wait()
}

func TestRunningTaskIsNotDeletable(t *testing.T) {
	orch := newTestOrchestrator(t, 1)

	release := make(chan struct{})
	running := make(chan struct{})
	id := orch.AddTask(&Task{
		Action: "update_all",
		Run: func(ctx context.Context, _ *Task) error {
			close(running)
			<-release
			return nil
		},
	})

	<-running
	err := orch.Delete(id)
	assert.ErrorIs(t, err, errs.ErrTaskNotDeletable)
	close(release)
}

func TestQueuedTaskIsDeletable(t *testing.T) {
	orch := newTestOrchestrator(t, 1)

	release := make(chan struct{})
	running := make(chan struct{})
	orch.AddTask(&Task{
		Action: "update_all",
		Run: func(ctx context.Context, _ *Task) error {
			close(running)
			<-release
			return nil
		},
	})
	<-running

	// The second global-lane task is still pending.
	queued := orch.AddTask(&Task{
		Action: "search_all",
		Run: func(ctx context.Context, _ *Task) error {
			return nil
		},
	})
	require.NoError(t, orch.Delete(queued))

	_, err := orch.Get(queued)
	assert.ErrorIs(t, err, errs.ErrTaskNotFound)
	close(release)
}

func TestCancellationStopsAtYieldPoint(t *testing.T) {
	orch := newTestOrchestrator(t, 1)

	var steps atomic.Int32
	finished := make(chan struct{})
	orch.AddTask(&Task{
		Action: "update_all",
		Run: func(ctx context.Context, _ *Task) error {
			defer close(finished)
			for range 100 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				steps.Add(1)
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		},
	})

	time.Sleep(20 * time.Millisecond)
	orch.Stop()
	<-finished

	assert.Less(t, steps.Load(), int32(100), "task ignored cancellation")
}

func TestTaskForVolume(t *testing.T) {
	orch := newTestOrchestrator(t, 1)

	release := make(chan struct{})
	running := make(chan struct{})
	orch.AddTask(&Task{
		Action:   "refresh_and_scan",
		VolumeID: int64Ptr(9),
		Run: func(ctx context.Context, _ *Task) error {
			close(running)
			<-release
			return nil
		},
	})
	<-running

	assert.True(t, orch.TaskForVolume(9))
	assert.False(t, orch.TaskForVolume(8))
	close(release)
}
