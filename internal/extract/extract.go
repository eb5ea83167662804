package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/retry"
)

const (
	// MaxFileSize is the largest accepted PDF.
	MaxFileSize = 50 * 1024 * 1024

	// MinTextLength is the number of characters below which extracted text
	// is considered missing.
	MinTextLength = 50

	// ContentTypePDF is the only accepted content type.
	ContentTypePDF = "application/pdf"
)

// Input is an uploaded document.
type Input struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is the outcome of an extraction. When OK is false, Code and
// Message describe the failure and Text is empty.
type Result struct {
	OK      bool
	Text    string
	Code    Code
	Message string

	// UsedOCR is set when the text came from the OCR fallback.
	UsedOCR bool
	Pages   int
}

// Err returns the failure as an *Error, or nil for a successful result.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

func failed(err *Error) Result {
	return Result{Code: err.Code, Message: err.Message}
}

// ProgressFunc receives progress in percent.
type ProgressFunc func(percent float64)

// TextLayer reads the embedded text of a PDF.
type TextLayer interface {
	Text(ctx context.Context, pdf []byte) (string, error)
}

// Rasterizer renders PDF pages to PNG images.
type Rasterizer interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
	Render(ctx context.Context, pdf []byte, page int) ([]byte, error)
}

// OCREngine recognises text in raster images. An engine is loaded before
// use and terminated afterwards, whatever the outcome.
type OCREngine interface {
	Load(ctx context.Context, lang string) error
	Recognize(ctx context.Context, image []byte) (string, error)
	Terminate() error
}

// OCRFactory creates a fresh engine for one extraction.
type OCRFactory func() OCREngine

// Config tunes an Extractor.
type Config struct {
	MinTextLength int
	// MaxOCRPages bounds how many pages are recognised.
	MaxOCRPages int
	Language    string
	// OCRRetry governs each page's recognition.
	OCRRetry retry.Policy
}

// DefaultConfig returns the production settings: three 60 second OCR
// attempts per page with a linear one second backoff.
func DefaultConfig() Config {
	return Config{
		MinTextLength: MinTextLength,
		MaxOCRPages:   50,
		Language:      "eng",
		OCRRetry: retry.Policy{
			Attempts: 3,
			Timeout:  60 * time.Second,
			Backoff:  retry.Linear(time.Second),
		},
	}
}

// Extractor obtains plain text from a PDF, falling back to OCR when the
// text layer is missing or too short.
type Extractor struct {
	text   TextLayer
	raster Rasterizer
	newOCR OCRFactory
	config Config
	logger *log.Logger
}

// New creates an Extractor. Zero config fields take their defaults.
func New(text TextLayer, raster Rasterizer, newOCR OCRFactory, config Config, logger *log.Logger) *Extractor {
	def := DefaultConfig()
	if config.MinTextLength <= 0 {
		config.MinTextLength = def.MinTextLength
	}
	if config.MaxOCRPages <= 0 {
		config.MaxOCRPages = def.MaxOCRPages
	}
	if config.Language == "" {
		config.Language = def.Language
	}
	if config.OCRRetry.Attempts <= 0 {
		config.OCRRetry.Attempts = def.OCRRetry.Attempts
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{
		text:   text,
		raster: raster,
		newOCR: newOCR,
		config: config,
		logger: logger,
	}
}

// Validate checks the content type and size of in without touching any
// collaborator.
func Validate(in Input) *Error {
	mediaType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil || mediaType != ContentTypePDF {
		return newError(CodeInvalidFile, "File must be a PDF", nil)
	}
	if len(in.Data) == 0 {
		return newError(CodeInvalidFile, "File is empty", nil)
	}
	if len(in.Data) > MaxFileSize {
		return newError(CodeInvalidFile, "File size exceeds 50MB limit", nil)
	}
	return nil
}

// Extract returns the document's text. It never returns a Go error;
// failures are reported through the Result.
func (e *Extractor) Extract(ctx context.Context, in Input, onProgress ProgressFunc) Result {
	report := func(p float64) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if err := Validate(in); err != nil {
		return failed(err)
	}

	report(10)

	raw, err := e.text.Text(ctx, in.Data)
	if err != nil {
		if ctx.Err() != nil {
			return failed(newError(CodeExtractionFailed, "Extraction cancelled", ctx.Err()))
		}
		e.logger.Debug("text layer extraction failed, falling back to OCR", "file", in.Name, "err", err)
		raw = ""
	}
	text := Normalize(raw)
	report(40)

	if e.sufficient(text) {
		report(100)
		return Result{OK: true, Text: text}
	}

	e.logger.Info("text layer too short, running OCR", "file", in.Name, "chars", utf8.RuneCountInString(text))
	report(50)

	ocrText, pages, ocrErr := e.ocr(ctx, in, func(p float64) { report(50 + p*0.4) })
	if ocrErr != nil {
		return failed(ocrErr)
	}

	text = Normalize(ocrText)
	if !e.sufficient(text) {
		return failed(newError(CodeUnsupportedFormat,
			"Could not extract sufficient text from the PDF, even with OCR", nil))
	}

	report(100)
	return Result{OK: true, Text: text, UsedOCR: true, Pages: pages}
}

func (e *Extractor) sufficient(text string) bool {
	return utf8.RuneCountInString(text) >= e.config.MinTextLength
}

// ocr recognises every page up to MaxOCRPages, in order, and joins the
// page texts with blank lines.
func (e *Extractor) ocr(ctx context.Context, in Input, report ProgressFunc) (string, int, *Error) {
	pages, err := e.raster.PageCount(ctx, in.Data)
	if err != nil {
		return "", 0, newError(CodeOCRFailed, "OCR processing failed: could not open document", err)
	}
	if pages > e.config.MaxOCRPages {
		e.logger.Warn("document too long, OCR limited", "file", in.Name, "pages", pages, "limit", e.config.MaxOCRPages)
		pages = e.config.MaxOCRPages
	}

	engine := e.newOCR()
	defer func() {
		if err := engine.Terminate(); err != nil {
			e.logger.Warn("failed to terminate OCR engine", "err", err)
		}
	}()

	if err := engine.Load(ctx, e.config.Language); err != nil {
		return "", 0, newError(CodeOCRFailed, "OCR processing failed: engine unavailable", err)
	}

	policy := e.config.OCRRetry
	texts := make([]string, 0, pages)

	for page := 0; page < pages; page++ {
		img, err := e.raster.Render(ctx, in.Data, page)
		if err != nil {
			return "", 0, newError(CodeOCRFailed, fmt.Sprintf("OCR processing failed: could not render page %d", page+1), err)
		}

		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			e.logger.Warn("OCR attempt failed", "file", in.Name, "page", page+1,
				"attempt", attempt, "code", attemptError(err).Code, "retry_in", delay)
		}

		text, err := retry.DoValue(ctx, policy, func(ctx context.Context, _ int) (string, error) {
			return engine.Recognize(ctx, img)
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", 0, newError(CodeOCRFailed, "OCR processing cancelled", err)
			}
			var exhausted *retry.ExhaustedError
			if errors.As(err, &exhausted) {
				err = attemptError(exhausted.Last)
			}
			return "", 0, newError(CodeOCRFailed,
				fmt.Sprintf("OCR processing failed on page %d after %d attempts", page+1, policy.Attempts), err)
		}

		if t := strings.TrimSpace(text); t != "" {
			texts = append(texts, t)
		}
		report(float64(page+1) / float64(pages) * 100)
	}

	return strings.Join(texts, "\n\n"), pages, nil
}

// attemptError classifies a single failed OCR attempt.
func attemptError(err error) *Error {
	var timeout *retry.TimeoutError
	if errors.As(err, &timeout) {
		return newError(CodeTimeout, fmt.Sprintf("OCR attempt timed out after %s", timeout.After), err)
	}
	return newError(CodeOCRFailed, "OCR attempt failed", err)
}
