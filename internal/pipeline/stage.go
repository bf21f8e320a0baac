package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/jo-hoe/canopyflow/internal/jobs"
)

// Artifact is one file a stage produced, or one of the job's inputs.
type Artifact struct {
	Tag    string
	Path   string
	Fields map[string]any
}

// Stage is a named, percentage-bounded step of a pipeline.
type Stage struct {
	Name    string
	Range   [2]int // start, end percent
	Message string // shown when the stage starts
	Run     func(ctx context.Context, sc *StageContext) (Artifact, error)
}

// Plan is the full recipe for one job kind: the stages plus the function that
// turns their artifacts into the persisted results.
type Plan struct {
	Stages   []Stage
	Assemble func(job *jobs.Job, artifacts map[string]Artifact) (map[string]any, error)
}

// StageContext is what a running stage sees of its job.
type StageContext struct {
	Job       *jobs.Job
	OutputDir string

	mu        sync.Mutex
	artifacts map[string]Artifact
	report    func(pct int, msg string)
}

// Artifact returns the artifact recorded under tag, inputs included.
func (sc *StageContext) Artifact(tag string) (Artifact, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	a, ok := sc.artifacts[tag]
	return a, ok
}

// Add records a secondary artifact besides the one the stage returns.
func (sc *StageContext) Add(a Artifact) {
	if a.Tag == "" {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.artifacts[a.Tag] = a
}

// Report publishes sub-progress inside the stage's range. pct is absolute and
// is clamped into the range; progress never moves backwards.
func (sc *StageContext) Report(pct int, msg string) {
	if sc.report != nil {
		sc.report(pct, msg)
	}
}

// StageError attributes a failure to a stage. Its message is the cause's message.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// ValidateStages checks that a stage list is runnable: at least one stage, every
// stage named and executable, ranges inside [0,100] and non-decreasing.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	prevEnd := 0
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if s.Run == nil {
			return fmt.Errorf("stage %q has no run function", s.Name)
		}
		start, end := s.Range[0], s.Range[1]
		if start < 0 || end > 100 || start > end {
			return fmt.Errorf("stage %q has invalid range [%d,%d]", s.Name, start, end)
		}
		if start < prevEnd {
			return fmt.Errorf("stage %q starts at %d before previous stage end %d", s.Name, start, prevEnd)
		}
		prevEnd = end
	}
	return nil
}
