package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/config"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/orchestrator"
	"github.com/jo-hoe/canopyflow/internal/process"
	"github.com/jo-hoe/canopyflow/internal/progress"
	"github.com/jo-hoe/canopyflow/internal/storage"
	"github.com/jo-hoe/canopyflow/internal/util"
)

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Orch      *orchestrator.Orchestrator
	Progress  *progress.Broadcaster
	Artifacts *storage.Artifacts
}

// multipart memory buffer; larger parts spill to temp files.
const formMemory = 32 << 20

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(svc.Log))
	r.Use(recoveryMiddleware(svc.Log))

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle(common.PathMetrics, promhttp.Handler())
	r.Handle(common.PathOutputs+"/*", http.StripPrefix(common.PathOutputs+"/", http.FileServer(http.Dir(svc.Artifacts.Root()))))

	r.Route(common.PathAPI, func(r chi.Router) {
		r.Use(svc.withAPIKey)
		r.Post("/"+common.RouteCarbonEstimation+"/calculate", svc.handleCalculateCarbon)
		r.Post("/"+common.RouteMultispectral+"/adjust", svc.handleAdjust)
		r.Get("/"+common.RouteLidar+"/stats", svc.handleStats)
		r.Route("/{kind}", func(r chi.Router) {
			r.Use(kindCtx)
			r.Post("/upload", svc.handleUpload)
			r.Post("/process", svc.handleProcess)
			r.Post("/cancel/{jobId}", svc.handleCancel)
			r.Get("/progress/{jobId}", svc.handleProgress)
			r.Get("/job/{jobId}", svc.handleGetJob)
			r.Get("/jobs", svc.handleListJobs)
		})
	})

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type kindKey struct{}

// kindCtx resolves the {kind} route segment. Unknown kinds are 404.
func kindCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind, err := jobs.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithKind(r, kind)))
	})
}

func kindOf(r *http.Request) jobs.Kind {
	k, _ := r.Context().Value(kindKey{}).(jobs.Kind)
	return k
}

// jobID reads the {jobId} segment. Anything that is not a UUID cannot name a job.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "jobId")
	if !util.IsID(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return "", false
	}
	return id, true
}

func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	kind := kindOf(r)
	r.Body = http.MaxBytesReader(w, r.Body, svc.uploadLimit(kind))
	if err := r.ParseMultipartForm(formMemory); err != nil {
		svc.fail(w, r, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := r.MultipartForm.File
	set := orchestrator.UploadSet{}
	switch kind {
	case jobs.KindMultispectral:
		set.Files = firstOf(form, "images", "file")
		set.Aux = map[string]*multipart.FileHeader{}
		for _, tag := range []string{"dem", "chm"} {
			if fhs := form[tag]; len(fhs) > 0 {
				set.Aux[tag] = fhs[0]
			}
		}
	case jobs.KindTreeDetection:
		set.Files = firstOf(form, "chm", "file")
	default:
		set.Files = firstOf(form, "file")
	}

	job, err := svc.Orch.Upload(r.Context(), kind, set)
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   job.ID,
		"inputs":  svc.inputURLs(job),
	})
}

// uploadLimit caps the whole request at the per-file limit times the file count
// the kind accepts.
func (svc *Service) uploadLimit(kind jobs.Kind) int64 {
	l := svc.Cfg.Limits
	overhead := int64(1 << 20)
	switch kind {
	case jobs.KindLidar:
		return safeInt64(l.LidarUpload) + overhead
	case jobs.KindMultispectral:
		return safeInt64(l.MultispectralUpload)*common.MaxMultispectralImgs + 2*safeInt64(l.CHMUpload) + overhead
	default:
		return safeInt64(l.CHMUpload) + overhead
	}
}

func firstOf(form map[string][]*multipart.FileHeader, fields ...string) []*multipart.FileHeader {
	for _, f := range fields {
		if fhs := form[f]; len(fhs) > 0 {
			return fhs
		}
	}
	return nil
}

func (svc *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	body, ok := svc.decodeBody(w, r)
	if !ok {
		return
	}
	id, _ := body["jobId"].(string)
	kind := kindOf(r)
	if kind == jobs.KindCarbonEstimation {
		if _, set := body["treeDetectionJobId"]; !set {
			body["treeDetectionJobId"] = id
		}
		svc.startCarbon(w, r, body)
		return
	}
	started, err := svc.Orch.Start(r.Context(), orchestrator.StartRequest{Kind: kind, JobID: id, Params: body})
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": started, "message": "processing started"})
}

// handleCalculateCarbon takes {jobId: <tree detection job>, demPath?, modelParams?}.
func (svc *Service) handleCalculateCarbon(w http.ResponseWriter, r *http.Request) {
	body, ok := svc.decodeBody(w, r)
	if !ok {
		return
	}
	params := map[string]any{}
	if model, ok := body["modelParams"].(map[string]any); ok {
		for k, v := range model {
			params[k] = v
		}
	}
	params["treeDetectionJobId"] = body["jobId"]
	if dem, ok := body["demPath"]; ok {
		params["demPath"] = dem
	}
	svc.startCarbon(w, r, params)
}

func (svc *Service) startCarbon(w http.ResponseWriter, r *http.Request, params map[string]any) {
	id, err := svc.Orch.Start(r.Context(), orchestrator.StartRequest{Kind: jobs.KindCarbonEstimation, Params: params})
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": id, "carbonJobId": id, "message": "carbon estimation started"})
}

func (svc *Service) handleAdjust(w http.ResponseWriter, r *http.Request) {
	body, ok := svc.decodeBody(w, r)
	if !ok {
		return
	}
	parent, _ := body["jobId"].(string)
	if parent != "" && !util.IsID(parent) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	id, err := svc.Orch.Adjust(r.Context(), parent, body)
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": id, "parentJobId": parent})
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := svc.Orch.Cancel(r.Context(), kindOf(r), id); err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": id, "message": "cancellation requested"})
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Orch.Get(r.Context(), kindOf(r), id)
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.jobToOut(job))
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Orch.List(r.Context(), kindOf(r))
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, job := range list {
		out = append(out, svc.jobToOut(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": out})
}

func (svc *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := svc.Orch.Stats(r.Context(), r.URL.Query().Get("filePath"))
	if err != nil {
		svc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// decodeBody reads a JSON object body, capped at server.maxUploadSize.
func (svc *Service) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
	body := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		svc.fail(w, r, &orchestrator.ValidationError{Reason: fmt.Sprintf("invalid json body: %v", err), Err: err})
		return nil, false
	}
	return body, true
}

func (svc *Service) jobToOut(job *jobs.Job) map[string]any {
	out := map[string]any{
		"jobId":     job.ID,
		"kind":      job.Kind,
		"status":    job.Status,
		"progress":  job.Progress,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
		"inputs":    svc.inputURLs(job),
	}
	if job.ParentID != "" {
		out["parentId"] = job.ParentID
	}
	if job.Params != nil {
		out["params"] = job.Params
	}
	if job.Status == jobs.StatusCompleted {
		out["results"] = job.Results
	}
	if job.Status == jobs.StatusFailed && job.ErrorMessage != nil {
		out["errorMessage"] = *job.ErrorMessage
	}
	return out
}

// inputURLs exposes input refs as public URLs; paths outside the store are omitted.
func (svc *Service) inputURLs(job *jobs.Job) map[string]string {
	urls := make(map[string]string, len(job.InputRefs))
	for tag, p := range job.InputRefs {
		if u, err := svc.Artifacts.PublicURL(p); err == nil {
			urls[tag] = u
		}
	}
	return urls
}

// fail maps an error to its HTTP status and writes it.
func (svc *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *orchestrator.ValidationError
	var pf *process.ProcessFailure
	var cf *process.ContractFailure
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &pf), errors.As(err, &cf):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary), errors.Is(err, multipart.ErrMessageTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		svc.Log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.code,
				"duration", time.Since(start).String(),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush and deadlines.
func (w *writeWrap) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func recoveryMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
