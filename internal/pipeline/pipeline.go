// Package pipeline drives one conversion from submission to a finished
// narration: it creates the durable record, stores the source, extracts
// text, synthesizes audio and publishes the result, moving the record
// through pending, processing and finally completed or error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/chunk"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/retry"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/synth"
)

const (
	// StopMessage is stored on records stopped by the user.
	StopMessage = "Conversion stopped by user"

	// TextFileName names records created from pasted text.
	TextFileName = "text-input.txt"

	// SourceCacheControl is the cache policy of uploaded sources.
	SourceCacheControl = "3600"
)

var (
	// ErrStopped is returned by a run whose record was finished by someone
	// else, normally a user stop.
	ErrStopped = errors.New(StopMessage)

	// ErrEmptyText is returned for blank text submissions.
	ErrEmptyText = errors.New("text is empty")

	// ErrNotCompleted is returned when audio is requested for a record that
	// has none yet.
	ErrNotCompleted = errors.New("conversion has not completed")
)

// RecordStore persists conversion records.
type RecordStore interface {
	Create(ctx context.Context, r *conversion.Record) error
	Get(ctx context.Context, id string) (*conversion.Record, error)
	ListByUser(ctx context.Context, userID string) ([]conversion.Record, error)
	Update(ctx context.Context, id string, p conversion.Patch) (*conversion.Record, error)
	Delete(ctx context.Context, id string) error
}

// BlobStore holds sources and narrations.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, opts blob.UploadOptions) error
	SignedURL(path string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, paths ...string) error
}

// SessionProvider resolves the acting user.
type SessionProvider interface {
	Actor(ctx context.Context) (string, error)
}

// TextExtractor pulls text out of a PDF.
type TextExtractor interface {
	Extract(ctx context.Context, in extract.Input, onProgress extract.ProgressFunc) extract.Result
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts conversion.Options, onProgress func(float64)) (*synth.Asset, error)
}

// ProgressSink receives the progress of every run. tasks.Tracker is the
// production implementation.
type ProgressSink interface {
	Add(name string, kind conversion.SourceKind) string
	Bind(taskID, recordID string)
	Update(taskID string, status conversion.Status, progress float64, message string) bool
	SetPreview(taskID, text string)
}

// Deps are the collaborators of a Pipeline. Sink is optional.
type Deps struct {
	Records   RecordStore
	Blobs     BlobStore
	Session   SessionProvider
	Extractor TextExtractor
	Synth     Synthesizer
	Sink      ProgressSink
}

// Config tunes a Pipeline.
type Config struct {
	// Retry wraps every record and blob store call.
	Retry retry.Policy
	// AudioURLTTL is the validity of the published audio URL.
	AudioURLTTL time.Duration
	Splitter    chunk.Splitter
}

// DefaultConfig retries storage three times with exponential backoff
// starting at one second and publishes audio URLs valid for a day.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Policy{
			Attempts: 3,
			Backoff:  retry.Exponential(time.Second),
		},
		AudioURLTTL: 24 * time.Hour,
		Splitter:    chunk.Splitter{MaxSize: chunk.MaxChunkSize},
	}
}

// Pipeline runs conversions one at a time. A Pipeline itself holds no
// per-run state, so callers that serialize submissions may share it.
type Pipeline struct {
	records   RecordStore
	blobs     BlobStore
	session   SessionProvider
	extractor TextExtractor
	synth     Synthesizer
	sink      ProgressSink

	policy   retry.Policy
	urlTTL   time.Duration
	splitter chunk.Splitter
	logger   *log.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline.
func New(d Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Records == nil:
		return nil, fmt.Errorf("record store cannot be nil")
	case d.Blobs == nil:
		return nil, fmt.Errorf("blob store cannot be nil")
	case d.Session == nil:
		return nil, fmt.Errorf("session provider cannot be nil")
	case d.Extractor == nil:
		return nil, fmt.Errorf("text extractor cannot be nil")
	case d.Synth == nil:
		return nil, fmt.Errorf("synthesizer cannot be nil")
	}

	defaults := DefaultConfig()
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = defaults.Retry.Attempts
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = defaults.Retry.Backoff
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = Transient
	}
	if cfg.AudioURLTTL <= 0 {
		cfg.AudioURLTTL = defaults.AudioURLTTL
	}

	sink := d.Sink
	if sink == nil {
		sink = nopSink{}
	}

	p := &Pipeline{
		records:   d.Records,
		blobs:     d.Blobs,
		session:   d.Session,
		extractor: d.Extractor,
		synth:     d.Synth,
		sink:      sink,
		policy:    cfg.Retry,
		urlTTL:    cfg.AudioURLTTL,
		splitter:  cfg.Splitter,
		logger:    log.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Transient reports whether a storage error is worth retrying. Missing
// records, finished records, invalid states and missing users are not.
func Transient(err error) bool {
	for _, permanent := range []error{
		store.ErrNotFound,
		store.ErrTerminal,
		store.ErrInvalidTransition,
		conversion.ErrCompletedWithoutAudio,
		conversion.ErrCompletedNotFull,
		conversion.ErrErrorWithoutMessage,
		conversion.ErrUnknownStatus,
		blob.ErrExists,
		blob.ErrInvalidPath,
		auth.ErrUnauthenticated,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

// PDFInput is an uploaded document. TaskID links the run to a task already
// added to the sink; when empty a task is added.
type PDFInput struct {
	Name        string
	ContentType string
	Data        []byte
	TaskID      string
}

// TextInput is pasted text.
type TextInput struct {
	Text   string
	TaskID string
}

// Unit is one item of a batch. Exactly one of PDF and Text is set.
type Unit struct {
	PDF     *PDFInput
	Text    *TextInput
	Options conversion.Options
}

// Outcome is the result of one run. RecordID is empty when the run failed
// before a record was created.
type Outcome struct {
	TaskID   string
	RecordID string
	Status   conversion.Status
	AudioRef string
	Err      error
}

// OK reports whether the run completed.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Status == conversion.StatusCompleted
}

// RunBatch processes units sequentially in order. A failing unit does not
// affect the ones after it. Units not started before ctx is done get the
// context error.
func (p *Pipeline) RunBatch(ctx context.Context, units []Unit) []Outcome {
	out := make([]Outcome, 0, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			out = append(out, Outcome{Err: err})
			continue
		}
		switch {
		case u.PDF != nil:
			out = append(out, p.SubmitPDF(ctx, *u.PDF, u.Options))
		case u.Text != nil:
			out = append(out, p.SubmitText(ctx, *u.Text, u.Options))
		default:
			out = append(out, Outcome{Err: errors.New("unit has neither a PDF nor text")})
		}
	}
	return out
}

// SubmitPDF converts one PDF. Invalid files are rejected before any store
// is touched and no record is created for them.
func (p *Pipeline) SubmitPDF(ctx context.Context, in PDFInput, opts conversion.Options) Outcome {
	if in.TaskID == "" {
		in.TaskID = p.sink.Add(in.Name, conversion.SourcePDF)
	}
	job, err := p.PreparePDF(ctx, in, opts)
	if err != nil {
		return Outcome{TaskID: in.TaskID, Status: conversion.StatusError, Err: err}
	}
	return job.Run(ctx)
}

// SubmitText converts pasted text.
func (p *Pipeline) SubmitText(ctx context.Context, in TextInput, opts conversion.Options) Outcome {
	if in.TaskID == "" {
		in.TaskID = p.sink.Add(TextFileName, conversion.SourceText)
	}
	job, err := p.PrepareText(ctx, in, opts)
	if err != nil {
		return Outcome{TaskID: in.TaskID, Status: conversion.StatusError, Err: err}
	}
	return job.Run(ctx)
}

// Job is a validated submission whose pending record exists. It is run
// exactly once, possibly later and on another goroutine.
type Job struct {
	run  *run
	kind conversion.SourceKind
	pdf  PDFInput
	text string
	opts conversion.Options
}

// TaskID returns the task tracking the job.
func (j *Job) TaskID() string { return j.run.taskID }

// RecordID returns the id of the pending record.
func (j *Job) RecordID() string { return j.run.id }

// Run executes the conversion. Cancelling ctx aborts in-flight work; the
// record is then moved to error.
func (j *Job) Run(ctx context.Context) Outcome {
	r := j.run
	r.ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()
	r.started = r.p.now()

	if j.kind == conversion.SourcePDF {
		return r.convertPDF(ctx, j.pdf, j.opts)
	}
	return r.convertText(ctx, j.text, j.opts)
}

// PreparePDF validates the document and creates its pending record.
func (p *Pipeline) PreparePDF(ctx context.Context, in PDFInput, opts conversion.Options) (*Job, error) {
	taskID := in.TaskID
	if taskID == "" {
		taskID = p.sink.Add(in.Name, conversion.SourcePDF)
	}
	opts = opts.WithDefaults()

	src := extract.Input{Name: in.Name, ContentType: in.ContentType, Data: in.Data}
	if verr := extract.Validate(src); verr != nil {
		p.sink.Update(taskID, conversion.StatusError, 0, verr.Message)
		return nil, verr
	}

	r, err := p.create(ctx, taskID, &conversion.Record{
		SourceKind: conversion.SourcePDF,
		FileName:   in.Name,
		FileSize:   int64(len(in.Data)),
		Options:    opts,
		Analytics: conversion.Analytics{
			Stage:            conversion.StageUpload,
			EstimatedSeconds: conversion.EstimateSeconds(int64(len(in.Data)), opts),
		},
	})
	if err != nil {
		return nil, err
	}
	in.TaskID = taskID
	return &Job{run: r, kind: conversion.SourcePDF, pdf: in, opts: opts}, nil
}

// PrepareText rejects blank text and creates its pending record.
func (p *Pipeline) PrepareText(ctx context.Context, in TextInput, opts conversion.Options) (*Job, error) {
	taskID := in.TaskID
	if taskID == "" {
		taskID = p.sink.Add(TextFileName, conversion.SourceText)
	}
	opts = opts.WithDefaults()

	if len(p.splitter.Split(in.Text)) == 0 {
		p.sink.Update(taskID, conversion.StatusError, 0, ErrEmptyText.Error())
		return nil, ErrEmptyText
	}

	r, err := p.create(ctx, taskID, &conversion.Record{
		SourceKind: conversion.SourceText,
		FileName:   TextFileName,
		Options:    opts,
		Analytics: conversion.Analytics{
			Stage:            conversion.StageTTS,
			EstimatedSeconds: conversion.EstimateSeconds(int64(len(in.Text)), opts),
		},
	})
	if err != nil {
		return nil, err
	}
	return &Job{run: r, kind: conversion.SourceText, text: in.Text, opts: opts}, nil
}

// create resolves the actor and stores a pending record.
func (p *Pipeline) create(ctx context.Context, taskID string, rec *conversion.Record) (*run, error) {
	user, err := p.session.Actor(ctx)
	if err != nil {
		p.sink.Update(taskID, conversion.StatusError, 0, err.Error())
		return nil, fmt.Errorf("failed to create conversion: %w", err)
	}
	rec.UserID = user

	err = p.withRetry(ctx, func(ctx context.Context) error {
		return p.records.Create(ctx, rec)
	})
	if err != nil {
		p.sink.Update(taskID, conversion.StatusError, 0, err.Error())
		return nil, fmt.Errorf("failed to create conversion: %w", err)
	}

	p.sink.Bind(taskID, rec.ID)
	p.logger.Info("conversion created", "id", rec.ID, "kind", rec.SourceKind, "name", rec.FileName, "size", rec.FileSize)

	return &run{p: p, id: rec.ID, taskID: taskID}, nil
}

func (p *Pipeline) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := p.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("storage call failed, retrying", "attempt", attempt, "delay", delay, "err", err)
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Last
	}
	return err
}

type nopSink struct{}

func (nopSink) Add(string, conversion.SourceKind) string { return "" }
func (nopSink) Bind(string, string) {}
func (nopSink) Update(string, conversion.Status, float64, string) bool {
	return false
}
func (nopSink) SetPreview(string, string) {}
