package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/store"
)

// List returns the conversions of the acting user, newest first.
func (p *Pipeline) List(ctx context.Context) ([]conversion.Record, error) {
	user, err := p.session.Actor(ctx)
	if err != nil {
		return nil, err
	}
	var records []conversion.Record
	err = p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		records, err = p.records.ListByUser(ctx, user)
		return err
	})
	return records, err
}

// Get returns one conversion of the acting user. Records of other users
// are reported as not found.
func (p *Pipeline) Get(ctx context.Context, id string) (*conversion.Record, error) {
	user, err := p.session.Actor(ctx)
	if err != nil {
		return nil, err
	}

	var rec *conversion.Record
	err = p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = p.records.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.UserID != user {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return rec, nil
}

// Stop marks a running conversion as failed with StopMessage. The run
// itself notices on its next store write and ends without touching the
// record again.
func (p *Pipeline) Stop(ctx context.Context, id string) (*conversion.Record, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}

	var rec *conversion.Record
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = p.records.Update(ctx, id, conversion.Patch{
			Status:       conversion.Ptr(conversion.StatusError),
			ErrorMessage: conversion.Ptr(StopMessage),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("conversion stopped", "id", id)
	return rec, nil
}

// Delete removes a conversion and its blobs. Blob removal is best effort.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	rec, err := p.Get(ctx, id)
	if err != nil {
		return err
	}

	paths := []string{blob.AudioPath(id, "mp3")}
	if rec.SourceKind == conversion.SourcePDF {
		paths = append(paths, blob.PDFPath(id, rec.FileName))
	}
	if err := p.blobs.Delete(ctx, paths...); err != nil {
		p.logger.Warn("failed to delete blobs", "id", id, "err", err)
	}

	err = p.withRetry(ctx, func(ctx context.Context) error {
		return p.records.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	p.logger.Info("conversion deleted", "id", id)
	return nil
}

// Refresh returns a fresh signed URL for the audio of a completed
// conversion. The stored reference is left as it is since completed
// records are never modified.
func (p *Pipeline) Refresh(ctx context.Context, id string) (string, error) {
	rec, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status != conversion.StatusCompleted {
		return "", fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, rec.Status)
	}
	return p.blobs.SignedURL(blob.AudioPath(id, "mp3"), p.urlTTL)
}

// IsNotFound reports whether err means the conversion does not exist for
// the acting user.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
