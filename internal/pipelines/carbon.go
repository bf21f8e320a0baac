package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/process"
)

// Carbon estimation artifact tags.
const (
	TagCSV     = "csv"
	TagSummary = "summary"
)

// The attribute script logs its steps to stderr; stdout only carries the result lines.
var attributeMarkers = []marker{
	{common.MarkerCSV + ":", 80, "tree attributes written"},
	{common.MarkerSummary + ":", 95, "carbon summary computed"},
}

func (b *Builder) carbon(_ *jobs.Job, p CarbonParams) pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{{
			Name:    "compute-attributes",
			Range:   [2]int{0, 100},
			Message: "estimating carbon stock",
			Run:     b.computeAttributes(p),
		}},
		Assemble: func(_ *jobs.Job, arts map[string]pipeline.Artifact) (map[string]any, error) {
			csv, ok := arts[TagCSV]
			if !ok {
				return nil, fmt.Errorf("artifact %q was not produced", TagCSV)
			}
			u, err := b.url(csv.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"csv":         u,
				"summary":     csv.Fields[TagSummary],
				"modelParams": ToMap(p),
			}, nil
		},
	}
}

func (b *Builder) computeAttributes(p CarbonParams) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		geojson, err := requireInput(sc, TagGeoJSON)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		chm, err := requireInput(sc, TagCHM)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		args := []string{
			b.script("tree_attributes.py"),
			"--geojson", geojson,
			"--chm", chm,
			"--output-dir", sc.OutputDir,
			"--a", formatFloat(p.A),
			"--b", formatFloat(p.B),
			"--c", formatFloat(p.C),
			"--carbon-factor", formatFloat(p.CarbonFactor),
		}
		if dem, ok := sc.Artifact(TagDEM); ok && dem.Path != "" {
			args = append(args, "--dem", dem.Path)
		}
		cmd := process.Command{Name: b.Tools.Python, Args: args}
		parser := process.Chain(process.Markers([]string{common.MarkerCSV, common.MarkerSummary}), summaryJSON)
		out, err := b.Invoker.Invoke(ctx, cmd, parser, markerProgress(sc, attributeMarkers))
		if err != nil {
			return pipeline.Artifact{}, err
		}
		csvPath := absFrom(sc.OutputDir, fmt.Sprint(out.Fields[common.MarkerCSV]))
		if _, err := process.RequireFiles(csvPath)(process.Result{}); err != nil {
			return pipeline.Artifact{}, &process.ContractFailure{Command: cmd, Reason: err.Error()}
		}
		return pipeline.Artifact{
			Tag:    TagCSV,
			Path:   csvPath,
			Fields: map[string]any{TagSummary: out.Fields[TagSummary]},
		}, nil
	}
}

// summaryJSON decodes the SUMMARY marker line into a JSON object.
func summaryJSON(res process.Result) (map[string]any, error) {
	raw := process.ScanMarkers(res.Stdout, common.MarkerSummary)[common.MarkerSummary]
	var summary map[string]any
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("completed but %s marker is not a JSON object: %v", common.MarkerSummary, err)
	}
	return map[string]any{TagSummary: summary}, nil
}
