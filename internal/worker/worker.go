// Package worker executes scrape tasks consumed from the durable queue,
// driving each through the external job poller and writing the terminal
// state back onto the task record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wykra-io/wykra-api-sub001/internal/scrape"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

// PendingClaims checks whether a queued job is still live at pickup time. A
// failed claim means a stop request withdrew the job before any worker got
// to it.
type PendingClaims interface {
	Claim(ctx context.Context, taskID string) (bool, error)
}

// Workloads maps task types onto dataset ids and per-workload poll
// overrides. Zero durations fall back to the runner defaults.
type Workloads struct {
	SearchDatasetID     string
	SearchPollInterval  time.Duration
	SearchDeadline      time.Duration
	ProfileDatasetID    string
	ProfilePollInterval time.Duration
	ProfileDeadline     time.Duration
}

type Worker struct {
	repo      *task.Repo
	registry  *task.Registry
	runner    *scrape.Runner
	claims    PendingClaims
	workloads Workloads
}

func New(repo *task.Repo, registry *task.Registry, runner *scrape.Runner, claims PendingClaims, workloads Workloads) *Worker {
	return &Worker{
		repo:      repo,
		registry:  registry,
		runner:    runner,
		claims:    claims,
		workloads: workloads,
	}
}

// HandleTask runs one queued task to a terminal state. Whatever happens, the
// task never stays pending/running after this returns: failures are written
// onto the record, and a task cancelled mid-flight keeps the stop handler's
// record untouched.
func (w *Worker) HandleTask(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			w.writeTerminal(taskID, err)
		}
	}()

	claimed, cerr := w.claims.Claim(ctx, taskID)
	if cerr != nil {
		// claim store unreachable; the status checks below still guard us
		log.Printf("worker claim task=%s err=%v", taskID, cerr)
		claimed = true
	}
	if !claimed {
		// withdrawn before pickup; the stop handler already wrote Cancelled
		return nil
	}

	t, err := w.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	if err := w.repo.MarkRunning(ctx, taskID); err != nil {
		return err
	}
	// the pending->running guard loses against a concurrent stop; re-read to
	// see whether the claim took
	t, err = w.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusRunning {
		return nil
	}

	spec, err := w.specFor(t)
	if err != nil {
		w.writeTerminal(taskID, err)
		return err
	}

	jobCtx, release := w.registry.Register(ctx, taskID)
	defer release()

	records, err := w.runner.Run(jobCtx, spec)
	if err != nil {
		w.writeTerminal(taskID, err)
		return err
	}

	b, err := json.Marshal(records)
	if err != nil {
		w.writeTerminal(taskID, err)
		return err
	}
	if err := w.repo.MarkCompleted(context.Background(), taskID, string(b)); err != nil {
		return err
	}
	return nil
}

func (w *Worker) specFor(t *task.Task) (scrape.JobSpec, error) {
	var p task.Payload
	if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
		return scrape.JobSpec{}, fmt.Errorf("bad payload: %w", err)
	}

	switch t.Type {
	case task.TypeSearch:
		return scrape.JobSpec{
			DatasetID:    w.workloads.SearchDatasetID,
			Inputs:       []map[string]any{{"keyword": p.Query}},
			PollInterval: w.workloads.SearchPollInterval,
			Deadline:     w.workloads.SearchDeadline,
		}, nil
	case task.TypeProfile:
		return scrape.JobSpec{
			DatasetID:    w.workloads.ProfileDatasetID,
			Inputs:       []map[string]any{{"url": p.Profile}},
			PollInterval: w.workloads.ProfilePollInterval,
			Deadline:     w.workloads.ProfileDeadline,
		}, nil
	}
	return scrape.JobSpec{}, fmt.Errorf("unknown task type %q", t.Type)
}

// writeTerminal records a failure outcome. The record is re-read first: a
// task the stop handler already flipped stays Cancelled, never overwritten
// with Failed. Uses a fresh context because the job context may be the very
// thing that was cancelled.
func (w *Worker) writeTerminal(taskID string, cause error) {
	ctx := context.Background()

	t, err := w.repo.GetByTaskID(ctx, taskID)
	if err == nil && t.Status.Terminal() {
		return
	}

	if errors.Is(cause, scrape.ErrAborted) {
		if _, err := w.repo.MarkCancelled(ctx, taskID, task.CancelledByUser); err != nil {
			log.Printf("worker mark cancelled task=%s err=%v", taskID, err)
		}
		return
	}
	if err := w.repo.MarkFailed(ctx, taskID, cause.Error()); err != nil {
		log.Printf("worker mark failed task=%s err=%v", taskID, err)
	}
}
