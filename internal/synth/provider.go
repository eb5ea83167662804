// Package synth turns text into a single MP3 by synthesizing provider-sized
// chunks in order and concatenating the audio.
package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/readaloud/internal/conversion"
)

// FormatMP3 is the only output format.
const FormatMP3 = "mp3"

var (
	// ErrMissingAPIKey is returned when a provider is built without a key.
	ErrMissingAPIKey = errors.New("TTS API key not configured")

	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("no text provided for conversion")

	// ErrNoChunks is returned when chunking produced nothing.
	ErrNoChunks = errors.New("no text chunks to convert")

	// ErrNoAudio is returned when no audio segment was produced.
	ErrNoAudio = errors.New("no audio generated")
)

// Request is one chunk to synthesize.
type Request struct {
	Text   string
	Voice  conversion.Voice
	Model  string
	Speed  float64
	Format string
}

// Provider synthesizes a single chunk.
type Provider interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ProviderError is a failed provider call.
type ProviderError struct {
	StatusCode int // 0 for transport failures
	Message    string
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("TTS request failed: %s", e.Message)
	}
	return fmt.Sprintf("TTS request failed (%d): %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying error
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ModelFor picks the provider model for a quality setting.
func ModelFor(q conversion.Quality) string {
	switch q {
	case conversion.Quality256k, conversion.Quality320k:
		return "tts-1-hd"
	default:
		return "tts-1"
	}
}
