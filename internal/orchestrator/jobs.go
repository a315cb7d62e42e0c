package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// Job is a run submitted for background execution.
type Job struct {
	ID        string
	Submitted time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	progress Progress
	result   model.RunResult
	finished time.Time
}

type JobStatus struct {
	ID        string
	Progress  Progress
	Done      bool
	Submitted time.Time
	Result    *model.RunResult
}

// Submit starts req in the background and returns its run id. The run is
// detached from ctx's cancellation but keeps its values.
func (o *Orchestrator) Submit(ctx context.Context, req model.FilterRequest) string {
	o.prune()
	id := uuid.NewString()
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &Job{
		ID:        id,
		Submitted: o.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  Progress{Phase: model.PhaseValidating},
	}
	o.jobsMu.Lock()
	o.jobs[id] = j
	o.jobsMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		res := o.run(jctx, id, req, func(p Progress) {
			o.jobsMu.Lock()
			j.progress = p
			o.jobsMu.Unlock()
		})
		o.jobsMu.Lock()
		j.result = res
		j.finished = o.now()
		o.jobsMu.Unlock()
		close(j.done)
	}()
	return id
}

func (o *Orchestrator) job(id string) (*Job, error) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %q", model.ErrNotFound, id)
	}
	return j, nil
}

// Wait blocks until the run finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (model.RunResult, error) {
	j, err := o.job(id)
	if err != nil {
		return model.RunResult{}, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return model.RunResult{}, ctx.Err()
	}
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	return j.result, nil
}

// Cancel asks a running job to stop at its next phase boundary.
func (o *Orchestrator) Cancel(id string) error {
	j, err := o.job(id)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

func (o *Orchestrator) Status(id string) (JobStatus, error) {
	j, err := o.job(id)
	if err != nil {
		return JobStatus{}, err
	}
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	st := JobStatus{ID: j.ID, Progress: j.progress, Submitted: j.Submitted}
	select {
	case <-j.done:
		res := j.result
		st.Done, st.Result = true, &res
	default:
	}
	return st, nil
}

func (o *Orchestrator) prune() {
	cutoff := o.now().Add(-o.cfg.JobRetention)
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	for id, j := range o.jobs {
		if !j.finished.IsZero() && j.finished.Before(cutoff) {
			delete(o.jobs, id)
		}
	}
}

// Close cancels the running jobs and waits for them to release their
// structures.
func (o *Orchestrator) Close() {
	o.jobsMu.Lock()
	for _, j := range o.jobs {
		j.cancel()
	}
	o.jobsMu.Unlock()
	o.wg.Wait()
}
