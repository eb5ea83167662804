package conversion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a conversion record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal reports whether no transition may leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
// Staying in the same non-terminal state is allowed so progress can be
// patched without a status change.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusError
	case StatusCompleted, StatusError:
		return false
	default:
		panic(fmt.Sprintf("conversion: unknown status %q", from))
	}
}

// SourceKind tells whether a record was created from a PDF or raw text.
type SourceKind string

const (
	SourcePDF  SourceKind = "pdf"
	SourceText SourceKind = "text"
)

// Stage is the advisory pipeline stage stored in analytics.
type Stage string

const (
	StageUpload     Stage = "upload"
	StageExtraction Stage = "extraction"
	StageTTS        Stage = "tts"
	StageProcessing Stage = "processing"
	StageDone       Stage = "done"
)

// Analytics holds advisory progress information. Nothing in the pipeline
// relies on it for correctness.
type Analytics struct {
	Stage            Stage      `json:"stage,omitempty"`
	Progress         float64    `json:"progress"`
	EstimatedSeconds int        `json:"estimated_seconds,omitempty"`
	ErrorCount       int        `json:"error_count"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Record is the durable conversion record.
type Record struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	SourceKind    SourceKind `json:"source_kind"`
	FileName      string     `json:"file_name"`
	FileSize      int64      `json:"file_size"`
	Status        Status     `json:"status"`
	Options       Options    `json:"tts_options"`
	ExtractedText string     `json:"text_content,omitempty"`
	TextChunks    []string   `json:"text_chunks,omitempty"`
	AudioRef      string     `json:"audio_url,omitempty"`
	Analytics     Analytics  `json:"analytics"`
	ErrorMessage  string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Record invariant violations.
var (
	ErrCompletedWithoutAudio = errors.New("completed record has no audio reference")
	ErrCompletedNotFull      = errors.New("completed record progress is below 100")
	ErrErrorWithoutMessage   = errors.New("error record has no message")
	ErrUnknownStatus         = errors.New("unknown status")
)

// Validate checks the status-dependent invariants of the record.
func (r *Record) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
	switch r.Status {
	case StatusCompleted:
		if r.AudioRef == "" {
			return ErrCompletedWithoutAudio
		}
		if r.Analytics.Progress < 100 {
			return ErrCompletedNotFull
		}
	case StatusError:
		if r.ErrorMessage == "" {
			return ErrErrorWithoutMessage
		}
	}
	return nil
}

// Patch is a merge-patch for a record: only non-nil fields are applied.
type Patch struct {
	Status           *Status
	ExtractedText    *string
	TextChunks       []string
	AudioRef         *string
	ErrorMessage     *string
	Stage            *Stage
	Progress         *float64
	EstimatedSeconds *int
	ErrorCountDelta  int
	CompletedAt      *time.Time
}

// Apply merges the patch into r. It does not check transitions; callers
// (the store) do that first.
func (p Patch) Apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ExtractedText != nil {
		r.ExtractedText = *p.ExtractedText
	}
	if p.TextChunks != nil {
		r.TextChunks = append([]string(nil), p.TextChunks...)
	}
	if p.AudioRef != nil {
		r.AudioRef = *p.AudioRef
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = *p.ErrorMessage
	}
	if p.Stage != nil {
		r.Analytics.Stage = *p.Stage
	}
	if p.Progress != nil {
		// progress never goes backwards
		r.Analytics.Progress = math.Max(r.Analytics.Progress, clampPercent(*p.Progress))
	}
	if p.EstimatedSeconds != nil {
		r.Analytics.EstimatedSeconds = *p.EstimatedSeconds
	}
	r.Analytics.ErrorCount += p.ErrorCountDelta
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		r.Analytics.CompletedAt = &t
	}
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T { return &v }

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
