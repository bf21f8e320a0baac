package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/process"
)

// Lidar artifact tags.
const (
	TagCloud  = "cloud"
	TagGround = "ground"
	TagDEM    = "dem"
	TagDSM    = "dsm"
	TagCHM    = "chm"
)

// lidar derives DEM, DSM and CHM rasters from a point cloud.
func (b *Builder) lidar(job *jobs.Job, p LidarParams) pipeline.Plan {
	stages := []pipeline.Stage{
		{Name: "ground-classify", Range: [2]int{0, 25}, Message: "classifying ground points", Run: b.groundClassify(p)},
		{Name: "dem", Range: [2]int{25, 50}, Message: "generating digital elevation model", Run: b.rasterize(TagGround, TagDEM, "all", p.Resolution, false, 40)},
		{Name: "dsm", Range: [2]int{50, 75}, Message: "generating digital surface model", Run: b.rasterize(TagCloud, TagDSM, "max", p.Resolution, true, 65)},
		{Name: "chm", Range: [2]int{75, 90}, Message: "computing canopy height model", Run: b.canopyHeight},
	}
	if p.SmoothRadius > 0 {
		stages = append(stages, pipeline.Stage{Name: "smooth", Range: [2]int{90, 95}, Message: "smoothing canopy height model", Run: b.smooth(p.SmoothRadius)})
	}
	return pipeline.Plan{
		Stages: stages,
		Assemble: func(_ *jobs.Job, arts map[string]pipeline.Artifact) (map[string]any, error) {
			outputs, err := b.urls(arts, TagDEM, TagDSM, TagCHM)
			if err != nil {
				return nil, err
			}
			return map[string]any{"outputs": outputs}, nil
		},
	}
}

// pdalPipeline writes a PDAL pipeline definition next to the stage outputs and runs it.
func (b *Builder) pdalPipeline(ctx context.Context, sc *pipeline.StageContext, name string, steps []any, wants string, pct int, msg string) error {
	def, err := json.MarshalIndent(map[string]any{"pipeline": steps}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s pipeline: %w", name, err)
	}
	defPath := filepath.Join(sc.OutputDir, name+"_pipeline.json")
	if err := os.WriteFile(defPath, def, 0o644); err != nil {
		return fmt.Errorf("write %s pipeline: %w", name, err)
	}
	cmd := process.Command{Name: b.Tools.PDAL, Args: []string{"pipeline", defPath}}
	_, err = b.Invoker.Invoke(ctx, cmd, process.RequireFiles(wants), onAnyOutput(sc, pct, msg))
	return err
}

func (b *Builder) groundClassify(p LidarParams) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		in, err := requireInput(sc, TagCloud)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		out := filepath.Join(sc.OutputDir, "ground.las")
		steps := []any{
			in,
			map[string]any{"type": "filters.csf", "cloth_resolution": p.GroundFilterThreshold, "rigidness": 1},
			map[string]any{"type": "filters.range", "limits": "Classification[2:2]"},
			out,
		}
		if err := b.pdalPipeline(ctx, sc, "ground", steps, out, 15, "classifying ground points"); err != nil {
			return pipeline.Artifact{}, err
		}
		return pipeline.Artifact{Tag: TagGround, Path: out}, nil
	}
}

// rasterize grids the points of the from artifact into a GeoTIFF using the given
// writers.gdal output type. firstReturns keeps only first-return points.
func (b *Builder) rasterize(from, tag, outputType string, resolution float64, firstReturns bool, pct int) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		in, err := requireInput(sc, from)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		out := filepath.Join(sc.OutputDir, tag+".tif")
		steps := []any{in}
		if firstReturns {
			steps = append(steps, map[string]any{"type": "filters.range", "limits": "returnnumber[1:1]", "optional": true})
		}
		steps = append(steps, map[string]any{
			"type":        "writers.gdal",
			"filename":    out,
			"gdaldriver":  "GTiff",
			"output_type": outputType,
			"resolution":  formatFloat(resolution),
		})
		if err := b.pdalPipeline(ctx, sc, tag, steps, out, pct, "rasterizing "+tag); err != nil {
			return pipeline.Artifact{}, err
		}
		return pipeline.Artifact{Tag: tag, Path: out}, nil
	}
}

func (b *Builder) canopyHeight(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
	dem, err := requireInput(sc, TagDEM)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	dsm, err := requireInput(sc, TagDSM)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	out := filepath.Join(sc.OutputDir, "chm.tif")
	cmd := process.Command{Name: b.Tools.GDALCalc, Args: []string{
		"-A", dsm,
		"-B", dem,
		"--calc=A-B",
		"--outfile", out,
		"--NoDataValue=-9999",
	}}
	if _, err := b.Invoker.Invoke(ctx, cmd, process.RequireFiles(out), onAnyOutput(sc, 85, "computing canopy height model")); err != nil {
		return pipeline.Artifact{}, err
	}
	return pipeline.Artifact{Tag: TagCHM, Path: out}, nil
}

// smooth sieves the CHM into a temporary file, then replaces the CHM with it.
func (b *Builder) smooth(radius int) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		chm, err := requireInput(sc, TagCHM)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		tmp := filepath.Join(filepath.Dir(chm), "chm_smoothed.tif")
		cmd := process.Command{Name: b.Tools.GDALSieve, Args: []string{"-st", strconv.Itoa(radius), chm, tmp}}
		if _, err := b.Invoker.Invoke(ctx, cmd, process.RequireFiles(tmp), nil); err != nil {
			return pipeline.Artifact{}, err
		}
		if err := os.Rename(tmp, chm); err != nil {
			return pipeline.Artifact{}, fmt.Errorf("replace chm with smoothed raster: %w", err)
		}
		return pipeline.Artifact{Tag: TagCHM, Path: chm}, nil
	}
}
