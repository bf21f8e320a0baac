package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/metrics"
	"github.com/jo-hoe/canopyflow/internal/progress"
)

// CancelledMessage is recorded on jobs whose run was cancelled.
const CancelledMessage = "job cancelled"

// Executor runs a Plan for one processing job, publishing progress and recording
// the terminal outcome in the registry.
type Executor struct {
	Store     jobs.Store
	Publisher progress.Publisher
	Log       *slog.Logger

	// RegistryRetries is the total number of attempts for a terminal write.
	RegistryRetries int
	RegistryBackoff time.Duration
}

func NewExecutor(log *slog.Logger, store jobs.Store, pub progress.Publisher, retries int, backoff time.Duration) *Executor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{Store: store, Publisher: pub, Log: log, RegistryRetries: retries, RegistryBackoff: backoff}
}

// Run executes plan for jobID, which must be processing. outputDir receives the
// stage outputs. Run returns the error that failed the job, or nil on success.
func (e *Executor) Run(ctx context.Context, jobID string, outputDir string, plan Plan) error {
	job, err := e.Store.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != jobs.StatusProcessing {
		return fmt.Errorf("job %s is %s, not %s", jobID, job.Status, jobs.StatusProcessing)
	}
	log := e.Log.With("job_id", jobID, "kind", job.Kind)

	run := &runState{exec: e, job: job, log: log, last: job.Progress}
	start := time.Now()
	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()
	defer func() { metrics.JobDurationSeconds.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds()) }()

	if err := ValidateStages(plan.Stages); err != nil {
		run.fail(ctx, err)
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		err = fmt.Errorf("create output dir: %w", err)
		run.fail(ctx, err)
		return err
	}

	sc := &StageContext{Job: job, OutputDir: outputDir, artifacts: map[string]Artifact{}}
	for tag, path := range job.InputRefs {
		sc.artifacts[tag] = Artifact{Tag: tag, Path: path}
	}

	for _, st := range plan.Stages {
		if err := ctx.Err(); err != nil {
			run.fail(ctx, err)
			return err
		}
		if err := run.stage(ctx, sc, st); err != nil {
			run.fail(ctx, err)
			return err
		}
	}

	var results map[string]any
	if plan.Assemble != nil {
		sc.mu.Lock()
		arts := make(map[string]Artifact, len(sc.artifacts))
		for k, v := range sc.artifacts {
			arts[k] = v
		}
		sc.mu.Unlock()
		results, err = plan.Assemble(job, arts)
		if err != nil {
			err = fmt.Errorf("assemble results: %w", err)
			run.fail(ctx, err)
			return err
		}
	}
	return run.complete(ctx, results)
}

type runState struct {
	exec  *Executor
	job   *jobs.Job
	log   *slog.Logger
	cur   *Stage
	last  int
}

func (r *runState) emit(status string, pct int, msg string) {
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	ev := progress.Event{Status: status, Progress: pct, Message: msg}
	if r.cur != nil {
		ev.Stage = r.cur.Name
	}
	r.exec.Publisher.Publish(r.job.ID, ev)
}

func (r *runState) stage(ctx context.Context, sc *StageContext, st Stage) (err error) {
	r.cur = &st
	lo, hi := st.Range[0], st.Range[1]
	msg := st.Message
	if msg == "" {
		msg = st.Name
	}
	r.emit(common.EventProcessing, lo, msg)
	sc.report = func(pct int, m string) {
		if pct < lo {
			pct = lo
		}
		if pct > hi {
			pct = hi
		}
		r.emit(common.EventProcessing, pct, m)
	}

	log := r.log.With("stage", st.Name)
	log.Info("stage started")
	began := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &StageError{Stage: st.Name, Err: fmt.Errorf("stage %s panicked: %v", st.Name, rec)}
		}
		metrics.StageDurationSeconds.WithLabelValues(string(r.job.Kind), st.Name).Observe(time.Since(began).Seconds())
		if err != nil {
			metrics.StageFailuresTotal.WithLabelValues(string(r.job.Kind), st.Name).Inc()
			log.Error("stage failed", "err", err, "duration", time.Since(began))
		}
	}()

	art, runErr := st.Run(ctx, sc)
	if runErr != nil {
		return &StageError{Stage: st.Name, Err: runErr}
	}
	sc.Add(art)

	r.emit(common.EventProcessing, hi, st.Name+" complete")
	if err := r.exec.Store.Touch(ctx, r.job.ID, r.last); err != nil {
		log.Warn("touch job failed", "err", err)
	}
	log.Info("stage finished", "duration", time.Since(began))
	return nil
}

// complete records the results, falling back to a failed record when the
// registry refuses the completed write.
func (r *runState) complete(ctx context.Context, results map[string]any) error {
	if results == nil {
		results = map[string]any{}
	}
	wctx := context.WithoutCancel(ctx)
	if _, err := r.transition(wctx, jobs.StatusCompleted, jobs.Payload{Results: results}); err != nil {
		r.log.Error("record completion failed", "err", err)
		if _, ferr := r.transition(wctx, jobs.StatusFailed, jobs.Payload{ErrorMessage: err.Error()}); ferr != nil {
			r.log.Error("record failure failed", "err", ferr)
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(r.job.Kind), string(jobs.StatusFailed)).Inc()
		r.cur = nil
		msg := err.Error()
		r.exec.Publisher.Publish(r.job.ID, progress.Event{Status: common.EventError, Progress: r.last, Message: msg, Error: msg})
		return err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(r.job.Kind), string(jobs.StatusCompleted)).Inc()
	r.log.Info("job completed")
	r.exec.Publisher.Publish(r.job.ID, progress.Event{
		Status:   common.EventCompleted,
		Progress: 100,
		Message:  "processing complete",
		Result:   results,
	})
	return nil
}

func (r *runState) fail(ctx context.Context, cause error) {
	msg := cause.Error()
	if errors.Is(cause, context.Canceled) {
		msg = CancelledMessage
	}
	if _, err := r.transition(context.WithoutCancel(ctx), jobs.StatusFailed, jobs.Payload{ErrorMessage: msg}); err != nil {
		r.log.Error("record failure failed", "err", err)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(r.job.Kind), string(jobs.StatusFailed)).Inc()
	r.log.Warn("job failed", "err", msg)
	ev := progress.Event{Status: common.EventError, Progress: r.last, Message: msg, Error: msg}
	if r.cur != nil {
		ev.Stage = r.cur.Name
	}
	r.exec.Publisher.Publish(r.job.ID, ev)
}

// transition retries the registry write with linear backoff. A rejected
// transition is not retried.
func (r *runState) transition(ctx context.Context, to jobs.Status, payload jobs.Payload) (*jobs.Job, error) {
	attempts := r.exec.RegistryRetries
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.exec.RegistryBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		job, err := r.exec.Store.Transition(ctx, r.job.ID, to, payload)
		if err == nil {
			return job, nil
		}
		lastErr = err
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrNotFound) {
			return nil, err
		}
		r.log.Warn("registry write failed", "to", to, "attempt", attempt, "err", err)
		if attempt < attempts && backoff > 0 {
			time.Sleep(time.Duration(attempt) * backoff)
		}
	}
	return nil, lastErr
}
