package flashsale

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner fans per-node RPCs out to at most maxThreadCount goroutines, so a
// quorum round's elapsed time stays close to one NodeTimeout rather than N of
// them. The group context is canceled as soon as any task errors; per-node
// attempts derive their timeouts from GetContext so the siblings of a failed
// round stop early instead of running out their own clocks.
type TaskRunner struct {
	eg      *errgroup.Group
	slots   chan struct{}
	context context.Context
}

func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, egCtx := errgroup.WithContext(ctx)
	return &TaskRunner{
		eg:      eg,
		slots:   make(chan struct{}, maxThreadCount),
		context: egCtx,
	}
}

// GetContext returns the group context shared by the scheduled tasks.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go schedules a task, blocking while all slots are occupied. The slot is
// freed when the task returns, whether it errored or not.
func (tr *TaskRunner) Go(task func() error) {
	tr.slots <- struct{}{}
	tr.eg.Go(func() error {
		defer func() { <-tr.slots }()
		return task()
	})
}

// Wait blocks until every scheduled task has returned and reports the first
// error among them.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
