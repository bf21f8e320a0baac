package pipelines

import (
	"context"
	"path/filepath"

	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/process"
	"github.com/jo-hoe/canopyflow/internal/storage"
)

// Multispectral artifact tags.
const (
	TagImages     = "images"
	TagOrtho      = "ortho"
	TagRegistered = "registered"
	TagFinal      = "final"
)

// odmMount is where the job directory appears inside the ODM container.
const odmMount = "/datasets/project"

var odmMarkers = []marker{
	{"running dataset stage", 20, "processing dataset"},
	{"running split stage", 25, "splitting dataset"},
	{"running merge stage", 35, "merging submodels"},
	{"running orthophoto stage", 45, "generating orthophoto"},
}

var registrationMarkers = []marker{
	{"Extracting features", 65, "extracting image features"},
	{"Matching features", 70, "matching feature points"},
	{"Computing homography", 80, "computing transformation matrix"},
	{"Warping image", 85, "warping image"},
}

// multispectral orthorectifies the uploaded images against the DEM with ODM and
// registers the orthophoto onto the CHM.
func (b *Builder) multispectral(job *jobs.Job, p MultispectralParams) pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{
			{Name: "orthorectify", Range: [2]int{0, 50}, Message: "preparing orthorectification", Run: b.orthorectify(job, p.DEMPath)},
			{Name: "register", Range: [2]int{50, 90}, Message: "preparing image registration", Run: b.register(p.CHMPath)},
		},
		Assemble: func(_ *jobs.Job, arts map[string]pipeline.Artifact) (map[string]any, error) {
			outputs, err := b.urls(arts, TagOrtho, TagRegistered)
			if err != nil {
				return nil, err
			}
			return map[string]any{"outputs": outputs}, nil
		},
	}
}

func (b *Builder) orthorectify(job *jobs.Job, demPath string) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		if _, err := requireInput(sc, TagImages); err != nil {
			return pipeline.Artifact{}, err
		}
		dem, err := inputOr(sc, TagDEM, demPath)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		jobDir := b.Artifacts.JobDir(string(job.Kind), job.ID)
		demName := filepath.Base(dem)
		if err := storage.CopyFile(dem, filepath.Join(jobDir, demName)); err != nil {
			return pipeline.Artifact{}, err
		}
		sc.Report(15, "starting ODM")

		out := filepath.Join(jobDir, "odm_orthophoto", "odm_orthophoto.tif")
		cmd := process.Command{Name: b.Tools.Docker, Args: []string{
			"run", "--rm",
			"-v", jobDir + ":" + odmMount,
			b.Tools.ODMImage,
			"--project-path", filepath.ToSlash(filepath.Dir(odmMount)),
			filepath.Base(odmMount),
			"--align", odmMount + "/" + demName,
			"--end-with", "odm_orthophoto",
			"--orthophoto-resolution", "5",
			"--verbose",
		}}
		if _, err := b.Invoker.Invoke(ctx, cmd, process.RequireFiles(out), markerProgress(sc, odmMarkers)); err != nil {
			return pipeline.Artifact{}, err
		}
		return pipeline.Artifact{Tag: TagOrtho, Path: out}, nil
	}
}

func (b *Builder) register(chmPath string) func(context.Context, *pipeline.StageContext) (pipeline.Artifact, error) {
	return func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
		ortho, err := requireInput(sc, TagOrtho)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		chm, err := inputOr(sc, TagCHM, chmPath)
		if err != nil {
			return pipeline.Artifact{}, err
		}
		sc.Report(60, "starting image registration")
		out := filepath.Join(sc.OutputDir, "registered.tif")
		cmd := process.Command{Name: b.Tools.Python, Args: []string{b.script("register_image.py"), ortho, chm, out}}
		if _, err := b.Invoker.Invoke(ctx, cmd, process.RequireFiles(out), markerProgress(sc, registrationMarkers)); err != nil {
			return pipeline.Artifact{}, err
		}
		return pipeline.Artifact{Tag: TagRegistered, Path: out}, nil
	}
}

// adjust applies a manual pixel offset to a completed job's registered image.
// The derived job carries the parent's ortho and registered rasters as inputs.
func (b *Builder) adjust(_ *jobs.Job, p AdjustParams) pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{{
			Name:    "manual-adjust",
			Range:   [2]int{90, 100},
			Message: "applying manual adjustment",
			Run: func(ctx context.Context, sc *pipeline.StageContext) (pipeline.Artifact, error) {
				registered, err := requireInput(sc, TagRegistered)
				if err != nil {
					return pipeline.Artifact{}, err
				}
				out := filepath.Join(sc.OutputDir, "final_adjusted.tif")
				cmd := process.Command{Name: b.Tools.Python, Args: []string{
					b.script("adjust_image.py"), registered, out, formatFloat(p.DX), formatFloat(p.DY),
				}}
				if _, err := b.Invoker.Invoke(ctx, cmd, process.RequireFiles(out), nil); err != nil {
					return pipeline.Artifact{}, err
				}
				return pipeline.Artifact{Tag: TagFinal, Path: out}, nil
			},
		}},
		Assemble: func(_ *jobs.Job, arts map[string]pipeline.Artifact) (map[string]any, error) {
			outputs, err := b.urls(arts, TagRegistered, TagFinal)
			if err != nil {
				return nil, err
			}
			if ortho, ok := arts[TagOrtho]; ok {
				if u, err := b.url(ortho.Path); err == nil {
					outputs[TagOrtho] = u
				}
			}
			return map[string]any{
				"outputs":    outputs,
				"adjustment": map[string]any{"dx": p.DX, "dy": p.DY},
			}, nil
		},
	}
}
