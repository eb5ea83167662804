// Package server exposes conversions over HTTP. Submissions are validated
// and recorded synchronously, then run one at a time by a single
// background worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/queue"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Conversions is the part of the pipeline the API drives.
type Conversions interface {
	PreparePDF(ctx context.Context, in pipeline.PDFInput, opts conversion.Options) (*pipeline.Job, error)
	PrepareText(ctx context.Context, in pipeline.TextInput, opts conversion.Options) (*pipeline.Job, error)
	List(ctx context.Context) ([]conversion.Record, error)
	Get(ctx context.Context, id string) (*conversion.Record, error)
	Stop(ctx context.Context, id string) (*conversion.Record, error)
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (string, error)
}

// Blobs serves signed blob reads.
type Blobs interface {
	Read(ctx context.Context, path string) ([]byte, blob.Meta, error)
	Verify(path string, expires int64, sig string) error
}

// Config configures a Server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	// MaxUploadSize bounds a whole multipart request.
	MaxUploadSize int64
	// QueueSize bounds the conversions waiting for the worker.
	QueueSize int
	// Tokens maps bearer tokens to users.
	Tokens map[string]string
	// DefaultUser is used for requests that carry no identity. Empty
	// means such requests are rejected.
	DefaultUser string
}

// DefaultConfig returns the defaults used by `readaloud serve`.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		RequestTimeout: 30 * time.Second,
		MaxUploadSize:  200 << 20,
		QueueSize:      100,
	}
}

// Deps are the collaborators of a Server.
type Deps struct {
	Conversions Conversions
	Blobs       Blobs
	Tracker     *tasks.Tracker
	Events      *tasks.EventBus
}

// Server is the HTTP API plus its conversion worker.
type Server struct {
	conv    Conversions
	blobs   Blobs
	tracker *tasks.Tracker
	events  *tasks.EventBus
	jobs    *queue.Queue[*pipeline.Job]
	cfg     Config
	logger  *log.Logger
	router  chi.Router
}

// New creates a Server.
func New(d Deps, cfg Config, logger *log.Logger) (*Server, error) {
	switch {
	case d.Conversions == nil:
		return nil, errors.New("conversions cannot be nil")
	case d.Blobs == nil:
		return nil, errors.New("blob store cannot be nil")
	case d.Tracker == nil || d.Events == nil:
		return nil, errors.New("task tracker and event bus are required")
	}

	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaults.MaxUploadSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		conv:    d.Conversions,
		blobs:   d.Blobs,
		tracker: d.Tracker,
		events:  d.Events,
		jobs:    queue.New[*pipeline.Job](cfg.QueueSize),
		cfg:     cfg,
		logger:  logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// signed URLs are their own authorization
	r.Get("/blobs/*", s.handleBlob)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.cfg.Tokens, s.cfg.DefaultUser))

		// long-lived event streams are exempt from the request timeout
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/tasks", s.handleTasks)
			r.Route("/conversions", func(r chi.Router) {
				r.Post("/", s.handleCreate)
				r.Get("/", s.handleList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGet)
					r.Delete("/", s.handleDelete)
					r.Post("/stop", s.handleStop)
					r.Post("/refresh", s.handleRefresh)
				})
			})
		})
	})

	return r
}

// Work runs queued conversions one at a time until ctx is done or the
// queue is closed.
func (s *Server) Work(ctx context.Context) {
	for {
		job, err := s.jobs.Pop(ctx)
		if err != nil {
			return
		}
		s.logger.Debug("starting conversion", "id", job.RecordID(), "waiting", s.jobs.Size())
		out := job.Run(ctx)
		if out.Err != nil && !errors.Is(out.Err, pipeline.ErrStopped) {
			s.logger.Warn("conversion failed", "id", out.RecordID, "err", out.Err)
		}
	}
}

// ListenAndServe serves the API and runs the worker until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.Work(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		_ = s.jobs.Close()
		<-workerDone
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	_ = s.jobs.Close()
	<-workerDone
	if err != nil {
		return fmt.Errorf("unable to shut down: %w", err)
	}
	return nil
}

// requestLogger logs every request with the charm logger.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"took", time.Since(start).Round(time.Microsecond),
					"request_id", chimiddleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
