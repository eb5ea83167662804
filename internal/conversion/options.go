package conversion

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Voice is one of the provider voices.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceShimmer Voice = "shimmer"
)

// Voices lists the supported voices in display order.
var Voices = []Voice{VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer}

// Quality is the requested audio bitrate.
type Quality string

const (
	Quality128k Quality = "128k"
	Quality256k Quality = "256k"
	Quality320k Quality = "320k"
)

// Qualities lists the supported qualities.
var Qualities = []Quality{Quality128k, Quality256k, Quality320k}

const (
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0
)

// Option validation errors.
var (
	ErrInvalidVoice   = errors.New("invalid voice")
	ErrInvalidQuality = errors.New("invalid quality")
	ErrInvalidSpeed   = errors.New("speed must be between 0.5 and 2.0")
)

// Options are the TTS options captured when a record is created. They are
// immutable once the run starts.
type Options struct {
	Voice   Voice   `json:"voice"`
	Quality Quality `json:"quality"`
	Speed   float64 `json:"speed"`
}

// DefaultOptions returns nova / 128k / 1.0.
func DefaultOptions() Options {
	return Options{Voice: VoiceNova, Quality: Quality128k, Speed: DefaultSpeed}
}

// WithDefaults fills zero fields with defaults.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Voice == "" {
		o.Voice = d.Voice
	}
	if o.Quality == "" {
		o.Quality = d.Quality
	}
	if o.Speed == 0 {
		o.Speed = d.Speed
	}
	return o
}

// Validate rejects unknown voices, qualities and out of range speeds.
func (o Options) Validate() error {
	if !containsVoice(o.Voice) {
		return fmt.Errorf("%w: %q", ErrInvalidVoice, o.Voice)
	}
	if !containsQuality(o.Quality) {
		return fmt.Errorf("%w: %q", ErrInvalidQuality, o.Quality)
	}
	if math.IsNaN(o.Speed) || o.Speed < MinSpeed || o.Speed > MaxSpeed {
		return fmt.Errorf("%w, got %.2f", ErrInvalidSpeed, o.Speed)
	}
	return nil
}

// ParseVoice parses a voice name case-insensitively.
func ParseVoice(s string) (Voice, error) {
	v := Voice(strings.ToLower(strings.TrimSpace(s)))
	if !containsVoice(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVoice, s)
	}
	return v, nil
}

// ParseQuality parses a quality name case-insensitively.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	if !containsQuality(q) {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
	return q, nil
}

// EstimateSeconds returns a rough processing time for a source of the given
// size: 10s base, 2s per MB, scaled by quality and speed.
func EstimateSeconds(size int64, o Options) int {
	base := 10.0
	base += float64(size) / (1024 * 1024) * 2

	switch o.Quality {
	case Quality256k:
		base *= 1.5
	case Quality320k:
		base *= 2
	}
	if o.Speed > 0 && o.Speed != 1.0 {
		base *= 1 / o.Speed
	}
	return int(math.Ceil(base))
}

func containsVoice(v Voice) bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

func containsQuality(q Quality) bool {
	for _, known := range Qualities {
		if q == known {
			return true
		}
	}
	return false
}
