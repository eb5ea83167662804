package extract

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

func TestHasLanguage(t *testing.T) {
	listing := "List of available languages in \"/usr/share/tesseract-ocr/5/tessdata/\" (3):\neng\nosd\nspa\n"
	if !hasLanguage(listing, "eng") {
		t.Error("eng should be listed")
	}
	if hasLanguage(listing, "deu") {
		t.Error("deu should not be listed")
	}
}

func TestTesseractOCR_RecognizeBeforeLoad(t *testing.T) {
	engine := NewTesseractOCR()
	if _, err := engine.Recognize(context.Background(), []byte("png")); !errors.Is(err, ErrEngineNotLoaded) {
		t.Errorf("expected ErrEngineNotLoaded, got %v", err)
	}
}

func TestTesseractOCR_MissingBinary(t *testing.T) {
	engine := &TesseractOCR{Binary: "readaloud-no-such-tesseract"}
	if err := engine.Load(context.Background(), "eng"); err == nil {
		t.Error("expected an error for a missing binary")
	}
}

func TestTesseractOCR_Lifecycle(t *testing.T) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed")
	}

	engine := NewTesseractOCR()
	if err := engine.Load(context.Background(), "eng"); err != nil {
		t.Skipf("tesseract unusable: %v", err)
	}
	if err := engine.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := engine.Terminate(); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
	if _, err := engine.Recognize(context.Background(), nil); !errors.Is(err, ErrEngineNotLoaded) {
		t.Errorf("Recognize after Terminate = %v", err)
	}
}
