package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names the pipeline a job runs. It selects the stage list and the results schema.
type Kind string

const (
	KindLidar            Kind = "lidar"
	KindMultispectral    Kind = "multispectral"
	KindTreeDetection    Kind = "tree_detection"
	KindCarbonEstimation Kind = "carbon_estimation"
)

// Kinds lists every supported pipeline kind.
var Kinds = []Kind{KindLidar, KindMultispectral, KindTreeDetection, KindCarbonEstimation}

// ParseKind accepts the canonical name and the dashed route form ("tree-detection").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown pipeline kind %q", s)
}

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidTransition enforces uploaded -> processing -> (completed | failed).
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError carries the rejected edge; it matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Job is the durable record of one pipeline run.
type Job struct {
	ID           string            `json:"jobId"`
	Kind         Kind              `json:"kind"`
	Status       Status            `json:"status"`
	ParentID     string            `json:"parentId,omitempty"`  // job this one derives from
	InputRefs    map[string]string `json:"inputRefs,omitempty"` // tag -> absolute path; immutable after create
	Params       map[string]any    `json:"params,omitempty"`
	Results      map[string]any    `json:"results,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	Progress     int               `json:"progress"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Payload is the data that accompanies a transition. Only the field matching
// the target status is applied.
type Payload struct {
	Params       map[string]any // -> processing
	Results      map[string]any // -> completed
	ErrorMessage string         // -> failed
}

// Store is the job registry: durable, with atomic per-id transitions.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Transition(ctx context.Context, id string, to Status, payload Payload) (*Job, error)
	// Touch records stage progress on a processing job without changing its status.
	Touch(ctx context.Context, id string, progress int) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, kind Kind) ([]*Job, error)
	Close() error
}
