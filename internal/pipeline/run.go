package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/synth"
)

// run is the state of one conversion in flight.
type run struct {
	p      *Pipeline
	id     string
	taskID string

	// ctx is set by Job.Run and cancelled once the record turns out to be
	// finished elsewhere.
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	started time.Time
}

// convertPDF stores the source, extracts its text and narrates it.
func (r *run) convertPDF(ctx context.Context, in PDFInput, opts conversion.Options) Outcome {
	if err := r.advance(ctx, conversion.StageUpload, 10); err != nil {
		return r.fail(ctx, err)
	}

	// ingest
	path := blob.PDFPath(r.id, in.Name)
	err := r.p.withRetry(ctx, func(ctx context.Context) error {
		return r.p.blobs.Upload(ctx, path, in.Data, blob.UploadOptions{
			ContentType:  extract.ContentTypePDF,
			CacheControl: SourceCacheControl,
			Upsert:       true,
		})
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to upload PDF: %w", err))
	}
	if err := r.advance(ctx, conversion.StageExtraction, 20); err != nil {
		return r.fail(ctx, err)
	}

	// extract
	src := extract.Input{Name: in.Name, ContentType: in.ContentType, Data: in.Data}
	res := r.p.extractor.Extract(r.ctx, src, func(pct float64) {
		r.report(20 + pct*0.3)
	})
	if r.stopped {
		return r.stoppedOutcome()
	}
	if !res.OK {
		return r.fail(ctx, res.Err())
	}
	r.p.logger.Debug("text extracted", "id", r.id, "chars", len(res.Text), "ocr", res.UsedOCR, "pages", res.Pages)

	return r.synthesize(ctx, res.Text, opts, 50, 0.4)
}

// convertText narrates pasted text.
func (r *run) convertText(ctx context.Context, text string, opts conversion.Options) Outcome {
	if err := r.advance(ctx, conversion.StageTTS, 20); err != nil {
		return r.fail(ctx, err)
	}
	return r.synthesize(ctx, text, opts, 40, 0.5)
}

// update patches the record with retry. A record finished elsewhere stops
// the run.
func (r *run) update(ctx context.Context, patch conversion.Patch) error {
	err := r.p.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.p.records.Update(ctx, r.id, patch)
		return err
	})
	if errors.Is(err, store.ErrTerminal) {
		r.stop()
		return ErrStopped
	}
	return err
}

// advance records a stage boundary.
func (r *run) advance(ctx context.Context, stage conversion.Stage, pct float64) error {
	err := r.update(ctx, conversion.Patch{
		Status:   conversion.Ptr(conversion.StatusProcessing),
		Stage:    &stage,
		Progress: &pct,
	})
	if err != nil {
		return err
	}
	r.p.sink.Update(r.taskID, conversion.StatusProcessing, pct, string(stage))
	return nil
}

// report forwards progress from inside a stage. Storing it is best effort
// but a finished record still stops the run.
func (r *run) report(pct float64) {
	if r.stopped {
		return
	}
	r.p.sink.Update(r.taskID, conversion.StatusProcessing, pct, "")

	_, err := r.p.records.Update(r.ctx, r.id, conversion.Patch{Progress: &pct})
	switch {
	case errors.Is(err, store.ErrTerminal):
		r.stop()
	case err != nil:
		r.p.logger.Debug("progress not saved", "id", r.id, "progress", pct, "err", err)
	}
}

func (r *run) stop() {
	if !r.stopped {
		r.p.logger.Info("conversion finished elsewhere, stopping", "id", r.id)
	}
	r.stopped = true
	r.cancel()
}

// synthesize persists the text and its chunks, synthesizes it with
// progress mapped onto base..base+scale*100 and publishes the audio.
func (r *run) synthesize(ctx context.Context, text string, opts conversion.Options, base, scale float64) Outcome {
	defer r.cancel()

	chunks := r.p.splitter.Split(text)
	stage := conversion.StageTTS
	err := r.update(ctx, conversion.Patch{
		ExtractedText: &text,
		TextChunks:    chunks,
		Stage:         &stage,
		Progress:      &base,
	})
	if err != nil {
		return r.fail(ctx, err)
	}
	r.p.sink.SetPreview(r.taskID, text)
	r.p.sink.Update(r.taskID, conversion.StatusProcessing, base, "")

	asset, err := r.p.synth.Synthesize(r.ctx, text, opts, func(pct float64) {
		r.report(base + pct*scale)
	})
	if r.stopped {
		return r.stoppedOutcome()
	}
	if err != nil {
		return r.fail(ctx, err)
	}
	return r.finalize(ctx, asset)
}

// finalize uploads the narration and completes the record.
func (r *run) finalize(ctx context.Context, asset *synth.Asset) Outcome {
	path := blob.AudioPath(r.id, asset.Format)
	err := r.p.withRetry(ctx, func(ctx context.Context) error {
		return r.p.blobs.Upload(ctx, path, asset.Data, blob.UploadOptions{
			ContentType:  asset.ContentType,
			CacheControl: SourceCacheControl,
			Upsert:       true,
		})
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to upload audio: %w", err))
	}

	url, err := r.p.blobs.SignedURL(path, r.p.urlTTL)
	if err != nil {
		return r.fail(ctx, err)
	}

	done := r.p.now().UTC()
	err = r.update(ctx, conversion.Patch{
		Status:      conversion.Ptr(conversion.StatusCompleted),
		AudioRef:    &url,
		Stage:       conversion.Ptr(conversion.StageDone),
		Progress:    conversion.Ptr(100.0),
		CompletedAt: &done,
	})
	if err != nil {
		return r.fail(ctx, err)
	}

	r.p.sink.Update(r.taskID, conversion.StatusCompleted, 100, "")
	r.p.logger.Info("conversion completed", "id", r.id, "bytes", len(asset.Data),
		"chunks", len(asset.Chunks), "cached", asset.Cached, "took", done.Sub(r.started).Round(time.Millisecond))

	return Outcome{TaskID: r.taskID, RecordID: r.id, Status: conversion.StatusCompleted, AudioRef: url}
}

// fail moves the record to error with the message of err. It is the only
// place a run turns an error into a terminal record.
func (r *run) fail(ctx context.Context, cause error) Outcome {
	defer r.cancel()

	if r.stopped || errors.Is(cause, ErrStopped) {
		return r.stoppedOutcome()
	}

	msg := message(cause)
	err := r.update(ctx, conversion.Patch{
		Status:          conversion.Ptr(conversion.StatusError),
		ErrorMessage:    &msg,
		ErrorCountDelta: 1,
	})
	if errors.Is(err, ErrStopped) {
		return r.stoppedOutcome()
	}
	if err != nil {
		r.p.logger.Error("failed to record conversion error", "id", r.id, "err", err)
	}

	r.p.sink.Update(r.taskID, conversion.StatusError, 0, msg)
	r.p.logger.Error("conversion failed", "id", r.id, "err", cause)

	return Outcome{TaskID: r.taskID, RecordID: r.id, Status: conversion.StatusError, Err: cause}
}

func (r *run) stoppedOutcome() Outcome {
	r.p.sink.Update(r.taskID, conversion.StatusError, 0, StopMessage)
	return Outcome{TaskID: r.taskID, RecordID: r.id, Status: conversion.StatusError, Err: ErrStopped}
}

// message is the text stored on an errored record.
func message(err error) string {
	var xerr *extract.Error
	if errors.As(err, &xerr) && xerr.Message != "" {
		return xerr.Message
	}
	return err.Error()
}
