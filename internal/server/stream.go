package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jo-hoe/canopyflow/internal/common"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/progress"
)

func contextWithKind(r *http.Request, kind jobs.Kind) context.Context {
	return context.WithValue(r.Context(), kindKey{}, kind)
}

// handleProgress streams a job's progress events as server-sent events. The
// first frame is always "started"; the stream ends after a terminal event, when
// the client goes away or when no event arrived for progress.idleTimeout.
// Opening a second stream for the same job detaches the first.
func (svc *Service) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if _, err := svc.Orch.Get(r.Context(), kindOf(r), id); err != nil {
		svc.fail(w, r, err)
		return
	}
	// Read the record again after subscribing so a terminal event published
	// in between is either queued or already visible in the record.
	sub := svc.Progress.Subscribe(id)
	defer svc.Progress.Evict(id, sub)
	job, err := svc.Orch.Get(r.Context(), kindOf(r), id)
	if err != nil {
		svc.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set(common.HeaderContentType, common.ContentTypeSSE)
	h.Set(common.HeaderCacheControl, "no-cache")
	h.Set(common.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(ev progress.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			svc.Log.Error("encode progress event", "job_id", id, "err", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(progress.Event{JobID: id, Status: common.EventStarted, Progress: 0}) {
		return
	}
	if job.Status.Terminal() {
		send(terminalFromRecord(job))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := make(chan progress.Event)
	go func() {
		defer close(events)
		for {
			ev, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepAlive := svc.Cfg.Progress.KeepAlive
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	idle := time.NewTimer(svc.Cfg.Progress.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(ev) || ev.Terminal() {
				return
			}
			idle.Reset(svc.Cfg.Progress.IdleTimeout)
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case <-idle.C:
			svc.Log.Debug("progress stream idle", "job_id", id)
			return
		case <-ctx.Done():
			return
		}
	}
}

// terminalFromRecord rebuilds the final event of a finished job for late subscribers.
func terminalFromRecord(job *jobs.Job) progress.Event {
	if job.Status == jobs.StatusCompleted {
		return progress.Event{JobID: job.ID, Status: common.EventCompleted, Progress: 100, Result: job.Results}
	}
	ev := progress.Event{JobID: job.ID, Status: common.EventError, Progress: job.Progress}
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	return ev
}
