// Package pipelines holds the concrete stage lists for each job kind.
package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/canopyflow/internal/config"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/process"
	"github.com/jo-hoe/canopyflow/internal/storage"
)

// Invoker runs one external tool. *process.Adapter satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, cmd process.Command, parser process.Parser, onLine process.LineFunc) (process.Outcome, error)
}

// Builder turns a processing job into its Plan.
type Builder struct {
	Tools     config.ToolsConfig
	Invoker   Invoker
	Artifacts *storage.Artifacts
}

func NewBuilder(tools config.ToolsConfig, inv Invoker, arts *storage.Artifacts) *Builder {
	return &Builder{Tools: tools, Invoker: inv, Artifacts: arts}
}

// Plan returns the stages and result assembly for job.
func (b *Builder) Plan(job *jobs.Job) (pipeline.Plan, error) {
	switch job.Kind {
	case jobs.KindLidar:
		var p LidarParams
		if err := FromMap(job.Params, &p); err != nil {
			return pipeline.Plan{}, fmt.Errorf("decode lidar params: %w", err)
		}
		return b.lidar(job, p), nil
	case jobs.KindMultispectral:
		if job.ParentID != "" {
			var p AdjustParams
			if err := FromMap(job.Params, &p); err != nil {
				return pipeline.Plan{}, fmt.Errorf("decode adjust params: %w", err)
			}
			return b.adjust(job, p), nil
		}
		var p MultispectralParams
		if err := FromMap(job.Params, &p); err != nil {
			return pipeline.Plan{}, fmt.Errorf("decode multispectral params: %w", err)
		}
		return b.multispectral(job, p), nil
	case jobs.KindTreeDetection:
		var p TreeDetectionParams
		if err := FromMap(job.Params, &p); err != nil {
			return pipeline.Plan{}, fmt.Errorf("decode tree detection params: %w", err)
		}
		return b.treeDetection(job, p), nil
	case jobs.KindCarbonEstimation:
		var p CarbonParams
		if err := FromMap(job.Params, &p); err != nil {
			return pipeline.Plan{}, fmt.Errorf("decode carbon params: %w", err)
		}
		return b.carbon(job, p), nil
	default:
		return pipeline.Plan{}, fmt.Errorf("no pipeline for kind %q", job.Kind)
	}
}

// OutputDir is where a job's stages write.
func (b *Builder) OutputDir(job *jobs.Job) string {
	return b.Artifacts.OutputDir(string(job.Kind), job.ID)
}

func (b *Builder) script(name string) string {
	return filepath.Join(b.Tools.ScriptsDir, name)
}

func (b *Builder) url(abs string) (string, error) {
	return b.Artifacts.PublicURL(abs)
}

// urls maps artifact tags to public URLs; missing tags are an error.
func (b *Builder) urls(arts map[string]pipeline.Artifact, tags ...string) (map[string]any, error) {
	out := make(map[string]any, len(tags))
	for _, tag := range tags {
		a, ok := arts[tag]
		if !ok {
			return nil, fmt.Errorf("artifact %q was not produced", tag)
		}
		u, err := b.url(a.Path)
		if err != nil {
			return nil, err
		}
		out[tag] = u
	}
	return out, nil
}

// inputOr returns override when set, else the input recorded under tag.
func inputOr(sc *pipeline.StageContext, tag, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return requireInput(sc, tag)
}

func requireInput(sc *pipeline.StageContext, tag string) (string, error) {
	a, ok := sc.Artifact(tag)
	if !ok || a.Path == "" {
		return "", fmt.Errorf("job has no %q input", tag)
	}
	return a.Path, nil
}

// marker maps a stdout substring to a progress percentage.
type marker struct {
	contains string
	pct      int
	msg      string
}

// markerProgress reports each marker's percentage the first time a stdout line contains it.
func markerProgress(sc *pipeline.StageContext, markers []marker) process.LineFunc {
	seen := make([]bool, len(markers))
	return func(stream process.Stream, line string) {
		if stream != process.Stdout {
			return
		}
		for i, m := range markers {
			if !seen[i] && strings.Contains(line, m.contains) {
				seen[i] = true
				sc.Report(m.pct, m.msg)
			}
		}
	}
}

// onAnyOutput reports pct once, on the tool's first stdout line.
func onAnyOutput(sc *pipeline.StageContext, pct int, msg string) process.LineFunc {
	fired := false
	return func(stream process.Stream, _ string) {
		if stream == process.Stdout && !fired {
			fired = true
			sc.Report(pct, msg)
		}
	}
}

// absFrom resolves a tool-printed path relative to dir.
func absFrom(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if dir == "" {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}
	return filepath.Join(dir, p)
}
