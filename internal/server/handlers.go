package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/queue"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/go-chi/chi/v5"
)

// Error codes returned next to HTTP errors.
const (
	CodeInvalidOptions = "INVALID_OPTIONS"
	CodeEmptyText      = "EMPTY_TEXT"
	CodeBadRequest     = "BAD_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeQueueFull      = "QUEUE_FULL"
	CodeInternal       = "INTERNAL"
)

// TextRequest is the JSON body of a text submission.
type TextRequest struct {
	Text    string             `json:"text"`
	Name    string             `json:"name,omitempty"`
	Options conversion.Options `json:"options"`
}

// Submission describes one accepted or rejected item of a create request.
type Submission struct {
	Name     string `json:"name"`
	TaskID   string `json:"task_id,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CreateResponse is returned by POST /api/conversions.
type CreateResponse struct {
	Conversions []Submission `json:"conversions"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.jobs.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "readaloud",
		"queued":  stats.CurrentSize,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	mediaType := r.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	switch strings.TrimSpace(mediaType) {
	case "multipart/form-data":
		s.createFromFiles(w, r)
	case "application/json":
		s.createFromText(w, r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, CodeBadRequest,
			errors.New("use multipart/form-data with a file field or a JSON text body"))
	}
}

func (s *Server) createFromFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, errors.New("missing file field"))
		return
	}
	opts, err := formOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidOptions, err)
		return
	}
	if !s.hasRoom(w, len(files)) {
		return
	}

	resp := CreateResponse{}
	for _, fh := range files {
		sub := Submission{Name: fh.Filename}
		data, err := readPart(fh)
		if err != nil {
			sub.Code, sub.Error = CodeBadRequest, err.Error()
			resp.Conversions = append(resp.Conversions, sub)
			continue
		}

		job, err := s.conv.PreparePDF(r.Context(), pipeline.PDFInput{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		}, opts)
		resp.Conversions = append(resp.Conversions, s.enqueue(r, sub, job, err))
	}
	s.respondCreated(w, resp)
}

func (s *Server) createFromText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxUploadSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	opts := req.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidOptions, err)
		return
	}
	if !s.hasRoom(w, 1) {
		return
	}

	name := req.Name
	if name == "" {
		name = pipeline.TextFileName
	}
	taskID := s.tracker.Add(name, conversion.SourceText)
	job, err := s.conv.PrepareText(r.Context(), pipeline.TextInput{Text: req.Text, TaskID: taskID}, opts)
	sub := s.enqueue(r, Submission{Name: name, TaskID: taskID}, job, err)
	s.respondCreated(w, CreateResponse{Conversions: []Submission{sub}})
}

// hasRoom rejects a request whose items would not fit in the queue.
func (s *Server) hasRoom(w http.ResponseWriter, n int) bool {
	if s.jobs.Size()+n > s.cfg.QueueSize {
		writeError(w, http.StatusServiceUnavailable, CodeQueueFull, queue.ErrQueueFull)
		return false
	}
	return true
}

// enqueue hands a prepared job to the worker and describes the outcome.
func (s *Server) enqueue(r *http.Request, sub Submission, job *pipeline.Job, err error) Submission {
	if err != nil {
		_, sub.Code = statusFor(err)
		sub.Error = messageFor(err)
		return sub
	}
	sub.TaskID, sub.RecordID = job.TaskID(), job.RecordID()

	if err := s.jobs.Push(job); err != nil {
		// the record exists but will never run
		if derr := s.conv.Delete(r.Context(), job.RecordID()); derr != nil {
			s.logger.Warn("failed to drop unqueued conversion", "id", job.RecordID(), "err", derr)
		}
		s.tracker.Remove(job.TaskID())
		sub.RecordID, sub.Code, sub.Error = "", CodeQueueFull, err.Error()
		return sub
	}
	s.logger.Info("conversion queued", "id", job.RecordID(), "name", sub.Name)
	return sub
}

// respondCreated answers 202 when anything was accepted. Otherwise the
// status of the first rejection is used.
func (s *Server) respondCreated(w http.ResponseWriter, resp CreateResponse) {
	status := http.StatusAccepted
	accepted := false
	for _, sub := range resp.Conversions {
		if sub.RecordID != "" {
			accepted = true
			break
		}
	}
	if !accepted && len(resp.Conversions) > 0 {
		status = statusForCode(resp.Conversions[0].Code)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.conv.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []conversion.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.conv.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.conv.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.dequeue(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.conv.Stop(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.dequeue(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	u, err := s.conv.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"audio_url": u})
}

// dequeue drops waiting jobs of a record and the tasks tracking them.
func (s *Server) dequeue(id string) {
	var taskIDs []string
	s.jobs.Remove(func(j *pipeline.Job) bool {
		if j.RecordID() == id {
			taskIDs = append(taskIDs, j.TaskID())
			return true
		}
		return false
	})
	for _, t := range taskIDs {
		s.tracker.Update(t, conversion.StatusError, 0, pipeline.StopMessage)
	}
}

// handleTasks returns the tasks still in flight. Tasks whose records have
// finished are dropped first.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.conv.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.tracker.Reconcile(records)

	owned := make(map[string]bool, len(records))
	for _, rec := range records {
		owned[rec.ID] = true
	}
	out := []conversion.Task{}
	for _, t := range s.tracker.Snapshot() {
		if t.RecordID == "" || owned[t.RecordID] {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents returns events after ?since= as JSON, or streams them as
// server-sent events when the client asks for text/event-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Errorf("invalid since: %q", v))
			return
		}
		since = n
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		events := s.events.Since(since)
		if events == nil {
			events = []tasks.Event{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, errors.New("streaming unsupported"))
		return
	}
	// subscribe before replaying so nothing falls in between
	ch, cancel := s.events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := since
	send := func(e tasks.Event) bool {
		if e.Seq <= last {
			return true
		}
		last = e.Seq
		data, _ := json.Marshal(e)
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range s.events.Since(since) {
		if !send(e) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok || !send(e) {
				return
			}
		}
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	p, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err)
		return
	}
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, CodeUnauthorized, blob.ErrBadSignature)
		return
	}
	if err := s.blobs.Verify(p, expires, r.URL.Query().Get("sig")); err != nil {
		writeError(w, http.StatusForbidden, CodeUnauthorized, err)
		return
	}

	data, meta, err := s.blobs.Read(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	if meta.CacheControl != "" {
		w.Header().Set("Cache-Control", "private, max-age="+meta.CacheControl)
	}
	http.ServeContent(w, r, "", meta.UploadedAt, bytes.NewReader(data))
}

// fail writes err with the status it maps to.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, code, errors.New(messageFor(err)))
}

func statusFor(err error) (int, string) {
	var xerr *extract.Error
	switch {
	case errors.As(err, &xerr):
		return http.StatusBadRequest, string(xerr.Code)
	case errors.Is(err, pipeline.ErrEmptyText):
		return http.StatusBadRequest, CodeEmptyText
	case errors.Is(err, conversion.ErrInvalidVoice),
		errors.Is(err, conversion.ErrInvalidQuality),
		errors.Is(err, conversion.ErrInvalidSpeed):
		return http.StatusBadRequest, CodeInvalidOptions
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthorized
	case pipeline.IsNotFound(err), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrTerminal), errors.Is(err, pipeline.ErrNotCompleted):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, CodeQueueFull
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func messageFor(err error) string {
	var xerr *extract.Error
	if errors.As(err, &xerr) && xerr.Message != "" {
		return xerr.Message
	}
	return err.Error()
}

func formOptions(r *http.Request) (conversion.Options, error) {
	opts := conversion.Options{
		Voice:   conversion.Voice(r.FormValue("voice")),
		Quality: conversion.Quality(r.FormValue("quality")),
	}
	if v := r.FormValue("speed"); v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("%w: %q", conversion.ErrInvalidSpeed, v)
		}
		opts.Speed = speed
	}
	opts = opts.WithDefaults()
	return opts, opts.Validate()
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", fh.Filename, err)
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
