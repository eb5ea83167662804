package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEngineNotLoaded is returned by Recognize before Load or after
	// Terminate.
	ErrEngineNotLoaded = errors.New("OCR engine not loaded")

	// ErrLanguageUnavailable means the tesseract install lacks the
	// requested language data.
	ErrLanguageUnavailable = errors.New("OCR language data not installed")
)

// TesseractOCR runs the tesseract CLI, one process per image.
type TesseractOCR struct {
	// Binary defaults to "tesseract" on $PATH.
	Binary string

	mu     sync.Mutex
	path   string
	lang   string
	loaded bool
}

// NewTesseractOCR returns an unloaded engine. It satisfies OCRFactory.
func NewTesseractOCR() OCREngine {
	return &TesseractOCR{}
}

// Load locates the binary and checks that lang is installed.
func (t *TesseractOCR) Load(ctx context.Context, lang string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("tesseract not found: %w", err)
	}

	out, err := run(ctx, exec.CommandContext(ctx, path, "--list-langs"), nil)
	if err != nil {
		return fmt.Errorf("failed to list tesseract languages: %w", err)
	}
	if !hasLanguage(string(out), lang) {
		return fmt.Errorf("%w: %s", ErrLanguageUnavailable, lang)
	}

	t.path = path
	t.lang = lang
	t.loaded = true
	return nil
}

// Recognize returns the text in a PNG image.
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) (string, error) {
	t.mu.Lock()
	path, lang, loaded := t.path, t.lang, t.loaded
	t.mu.Unlock()

	if !loaded {
		return "", ErrEngineNotLoaded
	}

	cmd := exec.CommandContext(ctx, path, "stdin", "stdout", "-l", lang)
	out, err := run(ctx, cmd, image)
	if err != nil {
		return "", fmt.Errorf("tesseract failed: %w", err)
	}
	return string(out), nil
}

// Terminate releases the engine. It is safe to call more than once.
func (t *TesseractOCR) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = false
	return nil
}

// hasLanguage parses `tesseract --list-langs`, whose first line is a
// header.
func hasLanguage(listing, lang string) bool {
	for _, line := range strings.Split(listing, "\n") {
		if strings.TrimSpace(line) == lang {
			return true
		}
	}
	return false
}

// run executes cmd with stdin, returning stdout. On cancellation the
// process is interrupted, then killed if it does not exit promptly.
func run(ctx context.Context, cmd *exec.Cmd, stdin []byte) ([]byte, error) {
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(stderr.String()))
		}
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = cmd.Process.Kill()
			<-done
		}
		return nil, ctx.Err()
	}

	return stdout.Bytes(), nil
}
