package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"meeting-pipeline-go/internal/aggregator"
	"meeting-pipeline-go/internal/dataset"
	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/pipeline"
	"meeting-pipeline-go/internal/processor"
	"meeting-pipeline-go/internal/store"
	"meeting-pipeline-go/internal/types"
)

type server struct {
	svc *processor.Service
	log *logger.Logger
}

type createRequest struct {
	Title string   `json:"title"`
	Mode  string   `json:"mode"`
	Files []string `json:"files"`
	Start bool     `json:"start"`
}

type importRequest struct {
	Manifest string `json:"manifest"`
	Start    bool   `json:"start"`
}

type importResult struct {
	Tasks  []types.Task `json:"tasks"`
	Errors []string     `json:"errors,omitempty"`
}

func newMux(svc *processor.Service, log *logger.Logger) *http.ServeMux {
	s := &server{svc: svc, log: log}
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.renameTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /tasks/{id}/start", s.enqueue(processor.ActionStart))
	mux.HandleFunc("POST /tasks/{id}/retry", s.enqueue(processor.ActionRetry))
	mux.HandleFunc("POST /tasks/{id}/restart", s.enqueue(processor.ActionRestart))
	mux.HandleFunc("POST /tasks/{id}/check", s.enqueue(processor.ActionCheck))
	mux.HandleFunc("POST /tasks/{id}/run", s.enqueue(processor.ActionRunFrom))
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("POST /import", s.importManifest)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("GET /export", s.export)
	return mux
}

func (s *server) reqLog(r *http.Request, handler string) *logrus.Entry {
	return s.log.WithRequest(r).WithField("handler", handler)
}

func (s *server) createTask(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "create")
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reqLog.WithError(err).Warn("bad request body")
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	mode := types.Mode(req.Mode)
	if mode == "" {
		mode = types.ModeMixed
		if len(req.Files) == 2 {
			mode = types.ModeSeparated
		}
	}
	task, err := s.svc.Import(req.Title, mode, req.Files...)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	if req.Start {
		if err := s.svc.Enqueue(processor.Job{TaskID: task.ID, Action: processor.ActionStart}); err != nil {
			reqLog.WithError(err).Warn("start after import failed")
		}
	}
	reqLog.WithField("task_id", task.ID).Info("task created")
	writeJSON(w, reqLog, http.StatusCreated, task)
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "list")
	tasks, err := s.svc.List()
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	writeJSON(w, reqLog, http.StatusOK, tasks)
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "get")
	task, err := s.svc.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, task)
}

func (s *server) renameTask(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "rename")
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	task, err := s.svc.Rename(r.PathValue("id"), req.Title)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, task)
}

func (s *server) deleteTask(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "delete")
	if err := s.svc.Delete(r.PathValue("id")); err != nil {
		s.fail(w, reqLog, err)
		return
	}
	reqLog.WithField("task_id", r.PathValue("id")).Info("task deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) enqueue(action processor.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLog := s.reqLog(r, string(action))
		job := processor.Job{TaskID: r.PathValue("id"), Action: action}
		q := r.URL.Query()
		if sp := q.Get("speaker"); sp != "" {
			n, err := strconv.Atoi(sp)
			if err != nil || n < 0 || n > 2 {
				http.Error(w, "speaker must be 0, 1 or 2", http.StatusBadRequest)
				return
			}
			job.Speaker = types.Speaker(n)
		}
		if action == processor.ActionRunFrom {
			job.Step = types.Status(q.Get("from"))
			if job.Step.Rank() < 0 {
				http.Error(w, "from must be a pipeline status", http.StatusBadRequest)
				return
			}
		}
		if err := s.svc.Enqueue(job); err != nil {
			s.fail(w, reqLog, err)
			return
		}
		reqLog.WithField("task_id", job.TaskID).Info("job queued")
		writeJSON(w, reqLog, http.StatusAccepted, map[string]string{"task_id": job.TaskID, "action": string(action)})
	}
}

func (s *server) cancelTask(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "cancel")
	if err := s.svc.Cancel(r.PathValue("id")); err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusAccepted, map[string]string{"task_id": r.PathValue("id"), "action": "cancel"})
}

func (s *server) importManifest(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "import")
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Manifest == "" {
		http.Error(w, "manifest path required", http.StatusBadRequest)
		return
	}
	entries, err := dataset.LoadManifest(req.Manifest, s.log)
	if err != nil {
		reqLog.WithError(err).Warn("manifest load failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res := importResult{Tasks: []types.Task{}}
	for _, e := range entries {
		task, err := s.svc.Import(e.Title, e.Mode, e.Paths...)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", e.Row, err))
			continue
		}
		if req.Start {
			if err := s.svc.Enqueue(processor.Job{TaskID: task.ID}); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("row %d: start: %v", e.Row, err))
			}
		}
		res.Tasks = append(res.Tasks, task)
	}
	reqLog.WithField("imported", len(res.Tasks)).WithField("errors", len(res.Errors)).Info("manifest imported")
	writeJSON(w, reqLog, http.StatusOK, res)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "stats")
	tasks, err := s.svc.List()
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, aggregator.Summarize(tasks))
}

func (s *server) export(w http.ResponseWriter, r *http.Request) {
	reqLog := s.reqLog(r, "export")
	tasks, err := s.svc.List()
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	name := fmt.Sprintf("meetings-%s.xlsx", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := dataset.Export(w, tasks); err != nil {
		reqLog.WithError(err).Error("export failed")
	}
}

func (s *server) fail(w http.ResponseWriter, reqLog *logrus.Entry, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, processor.ErrInvalidImport), errors.Is(err, pipeline.ErrBadSpeaker):
		code = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, processor.ErrTaskBusy),
		errors.Is(err, processor.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, processor.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		reqLog.WithError(err).Error("request failed")
	} else {
		reqLog.WithError(err).Warn("request rejected")
	}
	writeJSON(w, reqLog, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, reqLog *logrus.Entry, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		reqLog.WithError(err).Error("failed to write response")
	}
}
