package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/progress"
)

// Planner builds the stage plan for a processing job.
type Planner interface {
	Plan(job *jobs.Job) (pipeline.Plan, error)
	OutputDir(job *jobs.Job) string
}

// Runner executes a plan. *pipeline.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID, outputDir string, plan pipeline.Plan) error
}

// Worker implements jobs.Processor: it loads the job, builds its plan and runs it
// under a cancellable context registered in the run table.
type Worker struct {
	Log       *slog.Logger
	Store     jobs.Store
	Planner   Planner
	Runner    Runner
	Publisher progress.Publisher

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// cancelled holds ids cancelled while still queued; their run is skipped.
	cancelled map[string]bool
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, store jobs.Store, planner Planner, runner Runner, pub progress.Publisher) *Worker {
	return &Worker{
		Log:       log,
		Store:     store,
		Planner:   planner,
		Runner:    runner,
		Publisher: pub,
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	skip := w.cancelled[item.JobID]
	delete(w.cancelled, item.JobID)
	w.running[item.JobID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, item.JobID)
		w.mu.Unlock()
	}()

	if skip {
		cancel()
	}

	job, err := w.Store.Get(context.WithoutCancel(ctx), item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	plan, err := w.Planner.Plan(job)
	if err != nil {
		w.finishWithError(ctx, job.ID, err)
		return err
	}
	return w.Runner.Run(ctx, job.ID, w.Planner.OutputDir(job), plan)
}

// Cancel stops a running job, or flags a queued one so Process cancels it as soon
// as a worker takes it. It reports whether the job was running. A job that is not
// running and no longer processing has already finished and is left alone.
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.running[jobID]; ok {
		cancel()
		return true
	}
	// The running entry outlives the terminal write, so a processing job
	// without one has not been picked up yet.
	job, err := w.Store.Get(context.Background(), jobID)
	if err != nil || job.Status != jobs.StatusProcessing {
		return false
	}
	w.cancelled[jobID] = true
	return false
}

// Running reports whether jobID currently holds a worker.
func (w *Worker) Running(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[jobID]
	return ok
}

// finishWithError fails a job whose plan could not be built. The job never
// reached the executor, so nothing else records the outcome.
func (w *Worker) finishWithError(ctx context.Context, jobID string, cause error) {
	_, err := w.Store.Transition(context.WithoutCancel(ctx), jobID, jobs.StatusFailed, jobs.Payload{ErrorMessage: cause.Error()})
	if err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
		w.Log.Error("record failure failed", "job_id", jobID, "err", err)
	}
	if w.Publisher != nil {
		w.Publisher.Publish(jobID, progress.Event{Status: common.EventError, Message: cause.Error(), Error: cause.Error()})
	}
}
