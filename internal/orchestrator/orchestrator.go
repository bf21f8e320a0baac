// Package orchestrator is the facade the HTTP layer talks to: it stores uploads,
// checks preconditions against the registry and hands runs to the worker queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/config"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/metrics"
	"github.com/jo-hoe/canopyflow/internal/pipelines"
	"github.com/jo-hoe/canopyflow/internal/process"
	"github.com/jo-hoe/canopyflow/internal/storage"
	"github.com/jo-hoe/canopyflow/internal/util"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrUnavailable = errors.New("processing is not accepting work")
	ErrNotRunning  = errors.New("job is not running")
)

// ValidationError is a request the orchestrator refused before touching any job.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Enqueuer accepts runs without blocking. *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// Canceller stops runs. *processor.Worker satisfies it.
type Canceller interface {
	Cancel(jobID string) bool
}

// UploadSet is the files of one upload request. Files holds the primary inputs;
// Aux holds optional auxiliary rasters by tag (multispectral "dem" and "chm").
type UploadSet struct {
	Files []*multipart.FileHeader
	Aux   map[string]*multipart.FileHeader
}

// StartRequest asks for a job to be processed. Carbon estimation creates its job
// here, so JobID is empty and Params names the tree detection job.
type StartRequest struct {
	Kind   jobs.Kind
	JobID  string
	Params map[string]any
}

type Orchestrator struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Artifacts *storage.Artifacts
	Queue     Enqueuer
	Runs      Canceller
	Invoker   pipelines.Invoker
}

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, arts *storage.Artifacts, q Enqueuer, runs Canceller, inv pipelines.Invoker) *Orchestrator {
	return &Orchestrator{Log: log, Cfg: cfg, Store: store, Artifacts: arts, Queue: q, Runs: runs, Invoker: inv}
}

// Upload stores the inputs of a new job and records it as uploaded.
func (o *Orchestrator) Upload(ctx context.Context, kind jobs.Kind, files UploadSet) (*jobs.Job, error) {
	id := util.NewID()
	k := string(kind)
	inputDir := o.Artifacts.InputDir(k, id)
	refs := map[string]string{}

	var err error
	switch kind {
	case jobs.KindLidar:
		if len(files.Files) != 1 {
			return nil, invalid("lidar upload takes exactly one point cloud file, got %d", len(files.Files))
		}
		refs[pipelines.TagCloud], err = o.save(inputDir, files.Files[0], o.Cfg.Limits.LidarUpload, common.PointCloudExts)
	case jobs.KindMultispectral:
		if n := len(files.Files); n == 0 || n > common.MaxMultispectralImgs {
			return nil, invalid("multispectral upload takes 1 to %d images, got %d", common.MaxMultispectralImgs, n)
		}
		imagesDir := filepath.Join(o.Artifacts.JobDir(k, id), pipelines.TagImages)
		for _, fh := range files.Files {
			if _, err = o.save(imagesDir, fh, o.Cfg.Limits.MultispectralUpload, common.RasterExts); err != nil {
				break
			}
		}
		refs[pipelines.TagImages] = imagesDir
		for _, tag := range []string{pipelines.TagDEM, pipelines.TagCHM} {
			if fh := files.Aux[tag]; fh != nil && err == nil {
				refs[tag], err = o.save(inputDir, fh, o.Cfg.Limits.CHMUpload, common.RasterExts)
			}
		}
	case jobs.KindTreeDetection:
		if len(files.Files) != 1 {
			return nil, invalid("tree detection upload takes exactly one CHM raster, got %d", len(files.Files))
		}
		refs[pipelines.TagCHM], err = o.save(inputDir, files.Files[0], o.Cfg.Limits.CHMUpload, common.RasterExts)
	default:
		return nil, invalid("%s jobs are not created by upload", kind)
	}
	if err != nil {
		_ = os.RemoveAll(o.Artifacts.JobDir(k, id))
		return nil, err
	}

	job := &jobs.Job{ID: id, Kind: kind, InputRefs: refs}
	if err := o.create(ctx, job); err != nil {
		_ = os.RemoveAll(o.Artifacts.JobDir(k, id))
		return nil, err
	}
	o.Log.Info("job uploaded", "job_id", id, "kind", kind, "inputs", len(refs))
	return job, nil
}

func (o *Orchestrator) save(dir string, fh *multipart.FileHeader, limit config.ByteSize, exts []string) (string, error) {
	p, err := storage.SaveUpload(dir, fh, int64(limit), exts)
	if err != nil {
		if errors.Is(err, storage.ErrNoFile) || errors.Is(err, storage.ErrUnsupportedType) || errors.Is(err, storage.ErrTooLarge) {
			return "", &ValidationError{Reason: err.Error(), Err: err}
		}
		return "", fmt.Errorf("store upload: %w", err)
	}
	return p, nil
}

func (o *Orchestrator) create(ctx context.Context, job *jobs.Job) error {
	if err := o.Store.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	metrics.JobsCreatedTotal.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// Start validates params and preconditions, moves the job to processing and
// queues its run. It returns once the run is queued, not when it finishes.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Kind == jobs.KindCarbonEstimation {
		return o.startCarbon(ctx, req.Params)
	}
	job, err := o.Get(ctx, req.Kind, req.JobID)
	if err != nil {
		return "", err
	}
	if job.Status != jobs.StatusUploaded {
		return "", &jobs.TransitionError{ID: job.ID, From: job.Status, To: jobs.StatusProcessing}
	}

	var params any
	switch job.Kind {
	case jobs.KindLidar:
		if err := requireRefs(job, pipelines.TagCloud); err != nil {
			return "", err
		}
		params, err = pipelines.ParseLidarParams(req.Params, o.Cfg.Defaults.Lidar)
	case jobs.KindMultispectral:
		params, err = o.multispectralParams(job, req.Params)
	case jobs.KindTreeDetection:
		if err := requireRefs(job, pipelines.TagCHM); err != nil {
			return "", err
		}
		params, err = pipelines.ParseTreeDetectionParams(req.Params, o.Cfg.Defaults.TreeDetection)
	default:
		return "", invalid("cannot start %s jobs", job.Kind)
	}
	if err != nil {
		return "", asValidation(err)
	}
	return job.ID, o.begin(ctx, job, pipelines.ToMap(params))
}

// multispectralParams resolves the DEM and CHM either from request params or
// from the rasters uploaded with the images. Both must exist on disk.
func (o *Orchestrator) multispectralParams(job *jobs.Job, raw map[string]any) (pipelines.MultispectralParams, error) {
	var p pipelines.MultispectralParams
	for _, f := range []struct {
		key, tag string
		dst      *string
	}{{"demPath", pipelines.TagDEM, &p.DEMPath}, {"chmPath", pipelines.TagCHM, &p.CHMPath}} {
		ref, _ := raw[f.key].(string)
		if strings.TrimSpace(ref) == "" {
			if path := job.InputRefs[f.tag]; path != "" && storage.Exists(path) {
				continue
			}
			return p, invalid("%s is required", f.key)
		}
		path, err := o.existing(f.key, ref)
		if err != nil {
			return p, err
		}
		*f.dst = path
	}
	return p, nil
}

// existing resolves a client reference into the store and checks the file exists.
func (o *Orchestrator) existing(name, ref string) (string, error) {
	path, err := o.Artifacts.Resolve(ref)
	if err != nil {
		return "", &ValidationError{Reason: fmt.Sprintf("%s %q is not a stored file", name, ref), Err: err}
	}
	if !storage.Exists(path) {
		return "", invalid("%s %q does not exist", name, ref)
	}
	return path, nil
}

func (o *Orchestrator) startCarbon(ctx context.Context, raw map[string]any) (string, error) {
	treeID, _ := raw["treeDetectionJobId"].(string)
	if strings.TrimSpace(treeID) == "" {
		return "", invalid("treeDetectionJobId is required")
	}
	tree, err := o.Store.Get(ctx, treeID)
	if errors.Is(err, jobs.ErrNotFound) {
		return "", &ValidationError{Reason: fmt.Sprintf("tree detection job %s not found", treeID), Err: err}
	}
	if err != nil {
		return "", err
	}
	if tree.Kind != jobs.KindTreeDetection {
		return "", invalid("job %s is a %s job, not tree detection", treeID, tree.Kind)
	}
	if tree.Status != jobs.StatusCompleted {
		return "", invalid("tree detection job %s is %s, not completed", treeID, tree.Status)
	}
	ref, _ := tree.Results[pipelines.TagGeoJSON].(string)
	if ref == "" {
		return "", invalid("tree detection job %s has no geojson result", treeID)
	}
	geojson, err := o.existing("geojson result", ref)
	if err != nil {
		return "", err
	}
	chm := tree.InputRefs[pipelines.TagCHM]
	if !storage.Exists(chm) {
		return "", invalid("tree detection job %s has no CHM raster", treeID)
	}
	params, err := pipelines.ParseCarbonParams(raw, o.Cfg.Defaults.Carbon)
	if err != nil {
		return "", asValidation(err)
	}
	refs := map[string]string{pipelines.TagGeoJSON: geojson, pipelines.TagCHM: chm}
	if dem, _ := raw["demPath"].(string); strings.TrimSpace(dem) != "" {
		if refs[pipelines.TagDEM], err = o.existing("demPath", dem); err != nil {
			return "", err
		}
	}

	job := &jobs.Job{ID: util.NewID(), Kind: jobs.KindCarbonEstimation, ParentID: tree.ID, InputRefs: refs}
	if err := o.create(ctx, job); err != nil {
		return "", err
	}
	return job.ID, o.begin(ctx, job, pipelines.ToMap(params))
}

// Adjust starts a manual offset run on a completed multispectral job. The offset
// runs as a derived job so the parent's record stays terminal.
func (o *Orchestrator) Adjust(ctx context.Context, parentID string, raw map[string]any) (string, error) {
	parent, err := o.Get(ctx, jobs.KindMultispectral, parentID)
	if err != nil {
		return "", err
	}
	if parent.Status != jobs.StatusCompleted {
		return "", invalid("multispectral job %s is %s, not completed", parentID, parent.Status)
	}
	params, err := pipelines.ParseAdjustParams(raw)
	if err != nil {
		return "", asValidation(err)
	}
	outputs, _ := parent.Results["outputs"].(map[string]any)
	ref, _ := outputs[pipelines.TagRegistered].(string)
	if ref == "" {
		return "", invalid("multispectral job %s has no registered image", parentID)
	}
	registered, err := o.existing("registered image", ref)
	if err != nil {
		return "", err
	}
	refs := map[string]string{pipelines.TagRegistered: registered}
	if ortho, _ := outputs[pipelines.TagOrtho].(string); ortho != "" {
		if p, err := o.Artifacts.Resolve(ortho); err == nil && storage.Exists(p) {
			refs[pipelines.TagOrtho] = p
		}
	}

	job := &jobs.Job{ID: util.NewID(), Kind: jobs.KindMultispectral, ParentID: parent.ID, InputRefs: refs}
	if err := o.create(ctx, job); err != nil {
		return "", err
	}
	return job.ID, o.begin(ctx, job, pipelines.ToMap(params))
}

// begin records params, moves the job to processing and queues it. A job the
// queue refuses is failed at once so it is never left processing.
func (o *Orchestrator) begin(ctx context.Context, job *jobs.Job, params map[string]any) error {
	if _, err := o.Store.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.Payload{Params: params}); err != nil {
		return err
	}
	log := o.Log.With("job_id", job.ID, "kind", job.Kind)
	if err := o.Queue.Enqueue(jobs.WorkItem{JobID: job.ID, Kind: job.Kind}); err != nil {
		reason, out := "queue full", ErrQueueFull
		if !errors.Is(err, jobs.ErrQueueFull) {
			reason, out = "processing unavailable", ErrUnavailable
		}
		log.Warn("run not queued", "err", err)
		if _, terr := o.Store.Transition(context.WithoutCancel(ctx), job.ID, jobs.StatusFailed, jobs.Payload{ErrorMessage: reason}); terr != nil {
			log.Error("record failure failed", "err", terr)
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(job.Kind), string(jobs.StatusFailed)).Inc()
		return out
	}
	log.Info("job queued")
	return nil
}

// Cancel stops a processing job. The executor records it as failed.
func (o *Orchestrator) Cancel(ctx context.Context, kind jobs.Kind, jobID string) error {
	job, err := o.Get(ctx, kind, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrNotRunning, jobID, job.Status)
	}
	running := o.Runs.Cancel(jobID)
	o.Log.Info("job cancel requested", "job_id", jobID, "kind", kind, "running", running)
	return nil
}

// Get returns the job only when it is of the given kind.
func (o *Orchestrator) Get(ctx context.Context, kind jobs.Kind, jobID string) (*jobs.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, invalid("jobId is required")
	}
	job, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != kind {
		return nil, fmt.Errorf("%w: %s is not a %s job", jobs.ErrNotFound, jobID, kind)
	}
	return job, nil
}

func (o *Orchestrator) List(ctx context.Context, kind jobs.Kind) ([]*jobs.Job, error) {
	return o.Store.List(ctx, kind)
}

// Stats summarizes a stored point cloud with pdal info.
func (o *Orchestrator) Stats(ctx context.Context, ref string) (map[string]any, error) {
	path, err := o.existing("filePath", ref)
	if err != nil {
		return nil, err
	}
	if !hasExt(path, common.PointCloudExts) {
		return nil, invalid("filePath %q is not a point cloud", ref)
	}
	cmd := process.Command{Name: o.Cfg.Tools.PDAL, Args: []string{"info", path, "--summary"}}
	out, err := o.Invoker.Invoke(ctx, cmd, process.JSONStdout("stats"), nil)
	if err != nil {
		return nil, err
	}
	stats, _ := out.Fields["stats"].(map[string]any)
	if summary, ok := stats["summary"].(map[string]any); ok {
		return summary, nil
	}
	return stats, nil
}

// Recover fails jobs left processing by a previous run of the service. Their
// runs died with the old process.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, kind := range jobs.Kinds {
		list, err := o.Store.List(ctx, kind)
		if err != nil {
			return n, err
		}
		for _, job := range list {
			if job.Status != jobs.StatusProcessing {
				continue
			}
			if _, err := o.Store.Transition(ctx, job.ID, jobs.StatusFailed, jobs.Payload{ErrorMessage: "interrupted by server restart"}); err != nil {
				if errors.Is(err, jobs.ErrInvalidTransition) {
					continue
				}
				return n, err
			}
			n++
			o.Log.Warn("job interrupted by restart", "job_id", job.ID, "kind", kind)
		}
	}
	return n, nil
}

func requireRefs(job *jobs.Job, tags ...string) error {
	for _, tag := range tags {
		if p := job.InputRefs[tag]; p == "" || !storage.Exists(p) {
			return invalid("job %s has no %s input on disk", job.ID, tag)
		}
	}
	return nil
}

func asValidation(err error) error {
	var pe *pipelines.ParamError
	if errors.As(err, &pe) {
		return &ValidationError{Reason: pe.Error(), Err: pe}
	}
	return err
}

func hasExt(path string, exts []string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
