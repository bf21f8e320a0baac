package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/process"
)

// Tree detection artifact tags.
const (
	TagGeoJSON       = "geojson"
	TagVisualization = "visualization"
)

// The detector logs its steps to stderr; stdout only carries the result lines.
var crownMarkers = []marker{
	{common.MarkerGeoJSON + ":", 90, "crown polygons written"},
	{common.MarkerVisualization + ":", 95, "visualization written"},
}

func (b *Builder) treeDetection(job *jobs.Job, p TreeDetectionParams) pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{{
			Name:    "detect-crowns",
			Range:   [2]int{0, 100},
			Message: "detecting tree crowns",
			Run:     b.detectCrowns(p),
		}},
		Assemble: func(_ *jobs.Job, arts map[string]pipeline.Artifact) (map[string]any, error) {
			gj := arts[TagGeoJSON]
			u, err := b.url(gj.Path)
			if err != nil {
				return nil, err
			}
			res := map[string]any{
				"geojson":    u,
				"treeCount":  gj.Fields["treeCount"],
				"parameters": ToMap(p),
			}
			if v, ok := arts[TagVisualization]; ok {
				if vu, err := b.url(v.Path); err == nil {
					res["visualization"] = vu
				}
			}
			return res, nil
		},
	}
}

func (b *Builder) detectCrowns(p TreeDetectionParams) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		chm, err := requireInput(sc, TagCHM)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		cmd := process.Command{Name: b.Tools.Python, Args: []string{
			b.script("tree_crown_detection.py"), chm,
			"--output-dir", sc.OutputDir,
			"--min-height", formatFloat(p.MinHeight),
			"--smooth", formatFloat(p.SmoothSigma),
			"--min-distance", strconv.Itoa(p.MinDistance),
		}}
		parser := process.Markers([]string{common.MarkerGeoJSON}, common.MarkerVisualization)
		out, err := b.Invoker.Invoke(ctx, cmd, parser, markerProgress(sc, crownMarkers))
		if err != nil {
			return pipeline.Artifact{}, err
		}

		gjPath := absFrom(sc.OutputDir, fmt.Sprint(out.Fields[common.MarkerGeoJSON]))
		count, err := countTreeTops(gjPath)
		if err != nil {
			return pipeline.Artifact{}, &process.ContractFailure{Command: cmd, Reason: err.Error()}
		}
		if v, ok := out.Fields[common.MarkerVisualization]; ok {
			sc.Add(pipeline.Artifact{Tag: TagVisualization, Path: absFrom(sc.OutputDir, fmt.Sprint(v))})
		}
		return pipeline.Artifact{Tag: TagGeoJSON, Path: gjPath, Fields: map[string]any{"treeCount": count}}, nil
	}
}

// countTreeTops counts the features tagged as tree tops in a GeoJSON FeatureCollection.
func countTreeTops(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return 0, fmt.Errorf("%s is not valid GeoJSON: %w", filepath.Base(path), err)
	}
	n := 0
	for _, f := range fc.Features {
		if f.Properties["type"] == "tree_top" {
			n++
		}
	}
	return n, nil
}
