package extract

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// DefaultDPI is the render resolution used for OCR.
const DefaultDPI = 200

// FitzDocument reads PDFs with MuPDF. It implements TextLayer and
// Rasterizer; each call opens the document from memory.
type FitzDocument struct {
	DPI float64
}

func (f FitzDocument) open(pdf []byte) (*fitz.Document, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return doc, nil
}

// Text returns the text layer of every page, pages separated by blank
// lines.
func (f FitzDocument) Text(ctx context.Context, pdf []byte) (string, error) {
	doc, err := f.open(pdf)
	if err != nil {
		return "", err
	}
	defer doc.Close()

	var b strings.Builder
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := doc.Text(n)
		if err != nil {
			return "", fmt.Errorf("failed to read text of page %d: %w", n+1, err)
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// PageCount returns the number of pages.
func (f FitzDocument) PageCount(_ context.Context, pdf []byte) (int, error) {
	doc, err := f.open(pdf)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// Render rasterises a zero-based page to PNG.
func (f FitzDocument) Render(ctx context.Context, pdf []byte, page int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := f.open(pdf)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	if page < 0 || page >= doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", page+1, doc.NumPage())
	}

	dpi := f.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	img, err := doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page+1, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page %d: %w", page+1, err)
	}
	return buf.Bytes(), nil
}
