package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/pipeline"
)

type formData struct {
	PageTitle   string
	Destination string
	URL         string
	Error       string
}

type statusData struct {
	PageTitle   string
	Success     bool
	Title       string
	Destination string
	URL         string
	Error       string
	Stage       pipeline.Stage
	Receipt     *deliver.Receipt
	Words       int
	Warnings    []string
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, formTmpl, http.StatusOK, formData{PageTitle: "Send to Kindle", Destination: s.opts.Destination})
}

// handleSend runs the pipeline while the browser waits and renders the
// outcome.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	if err := r.ParseForm(); err != nil {
		s.render(w, r, formTmpl, http.StatusBadRequest, formData{PageTitle: "Send to Kindle", Destination: s.opts.Destination, Error: "The form could not be read."})
		return
	}
	raw := strings.TrimSpace(r.PostForm.Get("url"))
	if err := checkURL(raw); err != nil {
		s.render(w, r, formTmpl, http.StatusBadRequest, formData{PageTitle: "Send to Kindle", Destination: s.opts.Destination, URL: raw, Error: err.Error()})
		return
	}

	res, err := s.runner.Run(r.Context(), raw, nil)
	data := statusData{PageTitle: "Send to Kindle", URL: raw, Destination: s.opts.Destination}
	if res != nil {
		data.Title = res.Title
		data.Receipt = res.Receipt
		data.Words = res.WordCount
		data.Warnings = res.Warnings
		if res.Receipt != nil {
			data.Destination = res.Receipt.Destination
		}
	}
	if err != nil {
		code, msg := StatusFor(err)
		data.Error = msg
		data.Stage = pipeline.FailedStage(err)
		hlog.FromRequest(r).Warn().Err(err).Str("url", raw).Msg("send failed")
		s.render(w, r, statusTmpl, code, data)
		return
	}
	data.Success = true
	s.render(w, r, statusTmpl, http.StatusOK, data)
}

type submitRequest struct {
	URL string `json:"url"`
}

// handleSubmit queues an asynchronous run and answers with the job id.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	raw := strings.TrimSpace(req.URL)
	if err := checkURL(raw); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Submit(raw)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	snap := job.Snapshot()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   snap.ID,
		"status":   snap.Status,
		"stage":    snap.Stage,
		"poll_url": fmt.Sprintf("/api/jobs/%s", snap.ID),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.GetJob(chi.URLParam(r, "jobID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, t *template.Template, code int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := t.Execute(w, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("render page")
	}
}

// checkURL accepts absolute http and https addresses only.
func checkURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http or https address")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
