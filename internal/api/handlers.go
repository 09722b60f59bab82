package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/netwatch/updater/internal/config"
	"github.com/netwatch/updater/internal/job"
	"github.com/netwatch/updater/internal/storage"
)

var startTime = time.Now()

const (
	headerJobState    = "X-Job-State"
	headerJobExitCode = "X-Job-Exit-Code"
)

type Handlers struct {
	cfg  *config.Config
	jobs *job.Manager
	logs *storage.Store

	followInterval time.Duration
}

func NewHandlers(cfg *config.Config, jobs *job.Manager, logs *storage.Store) *Handlers {
	return &Handlers{
		cfg:            cfg,
		jobs:           jobs,
		logs:           logs,
		followInterval: 500 * time.Millisecond,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts := h.jobs.Stats()
	jobs := make(map[string]int, len(counts))
	for state, n := range counts {
		jobs[string(state)] = n
	}

	resp := map[string]any{
		"instance":       h.jobs.Instance(),
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           jobs,
	}
	if active := h.jobs.Active(); active != nil {
		resp["active"] = jobRef(active)
	}
	writeJSON(w, http.StatusOK, resp)
}

type UpdateRequest struct {
	Options map[string]string `json:"options,omitempty"`
	Async   bool              `json:"async,omitempty"`
}

type jobSummary struct {
	ID      string    `json:"id"`
	LogFile string    `json:"logfile"`
	State   job.State `json:"state"`
}

func jobRef(j *job.Job) *jobSummary {
	if j == nil {
		return nil
	}
	return &jobSummary{ID: j.ID, LogFile: j.LogPath, State: j.State}
}

func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	async := req.Async || prefersAsync(r) || queryFlag(r, "async")

	j, err := h.jobs.TryStartJob(req.Options)
	switch {
	case errors.Is(err, job.ErrAlreadyInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{
			"started": false,
			"error":   "update already in progress",
			"job":     jobRef(j),
		})
		return
	case errors.Is(err, job.ErrInvalidOptions):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"started": false,
			"error":   err.Error(),
		})
		return
	case err != nil:
		log.WithError(err).Error("cannot start update job")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"started": false,
			"error":   "failed to start update",
		})
		return
	}

	if async {
		w.Header().Set("Preference-Applied", "respond-async")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"started": true,
			"job":     jobRef(j),
		})
		return
	}

	// Synchronous mode does not wait for the outcome, it points at the log.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Location", "/jobs/"+j.ID)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "update job %s started\n", j.ID)
	fmt.Fprintf(w, "log file: %s\n", j.LogPath)
	fmt.Fprintf(w, "follow progress with GET /jobs/%s\n", j.ID)
}

// prefersAsync reports whether the Prefer header asks for respond-async.
func prefersAsync(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		for _, pref := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(pref), "respond-async") {
				return true
			}
		}
	}
	return false
}

func queryFlag(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

type jobListing struct {
	storage.LogInfo
	State job.State `json:"state,omitempty"`
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.logs.List()
	if err != nil {
		log.WithError(err).Error("cannot list job logs")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to list jobs",
		})
		return
	}

	states := make(map[string]job.State)
	for _, j := range h.jobs.ListJobs() {
		states[j.ID] = j.State
	}
	if active := h.jobs.Active(); active != nil {
		states[active.ID] = active.State
	}

	jobs := make([]jobListing, 0, len(logs))
	for _, l := range logs {
		jobs = append(jobs, jobListing{LogInfo: l, State: states[l.ID]})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    jobs,
	})
}

func (h *Handlers) TailJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !storage.ValidID(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	maxLines := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "tail must be an integer")
			return
		}
		maxLines = n
	}

	// read the record first so the headers never claim a later state than
	// the lines below
	j, jobErr := h.jobs.GetJob(id)

	lines, err := h.logs.Tail(id, maxLines)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		log.WithField("job_id", id).WithError(err).Error("cannot read job log")
		writeError(w, http.StatusInternalServerError, "failed to read job log")
		return
	}

	if jobErr == nil {
		w.Header().Set(headerJobState, string(j.State))
		if j.ExitCode != nil {
			w.Header().Set(headerJobExitCode, strconv.Itoa(*j.ExitCode))
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		io.WriteString(w, line)
		io.WriteString(w, "\n")
	}
}

func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Cancel(chi.URLParam(r, "id"))
	if errors.Is(err, job.ErrNotActive) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "job is not active",
			"job":   j,
		})
		return
	}
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	log.WithError(err).Error("cannot load job")
	writeError(w, http.StatusInternalServerError, "failed to load job")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
