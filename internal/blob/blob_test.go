package blob

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(afero.NewMemMapFs(), "http://localhost:8080/", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(afero.NewMemMapFs(), "http://x", nil); err == nil {
		t.Error("expected an error without a signing key")
	}
}

func TestUploadReadDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := AudioPath("abc", "mp3")

	err := s.Upload(ctx, p, []byte("ID3"), UploadOptions{ContentType: "audio/mpeg", CacheControl: "3600"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	data, meta, err := s.Read(ctx, p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "ID3" {
		t.Errorf("data = %q", data)
	}
	if meta.ContentType != "audio/mpeg" || meta.CacheControl != "3600" || meta.Size != 3 {
		t.Errorf("meta = %+v", meta)
	}

	if err := s.Upload(ctx, p, []byte("again"), UploadOptions{}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if err := s.Upload(ctx, p, []byte("again"), UploadOptions{Upsert: true}); err != nil {
		t.Errorf("upsert failed: %v", err)
	}

	if err := s.Delete(ctx, p, "pdfs/never/uploaded.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Read(ctx, p); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInvalidPaths(t *testing.T) {
	s := newTestStore(t)
	for _, p := range []string{"", "/etc/passwd", "../secret", "a/../../b", ".", "x.mp3.meta.json"} {
		if err := s.Upload(context.Background(), p, []byte("x"), UploadOptions{}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Upload(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestSignedURL(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	p := PDFPath("abc", "my paper.pdf")
	raw, err := s.SignedURL(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "http://localhost:8080/blobs/pdfs/abc/my_paper.pdf?") {
		t.Fatalf("unexpected URL %q", raw)
	}

	u, _ := url.Parse(raw)
	expires, _ := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	sig := u.Query().Get("sig")

	if expires != now.Add(time.Hour).Unix() {
		t.Errorf("expires = %d", expires)
	}
	if err := s.Verify(p, expires, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := s.Verify(p, expires+1, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered expiry: %v", err)
	}
	if err := s.Verify("pdfs/abc/other.pdf", expires, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("other path: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := s.Verify(p, expires, sig); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}

	got, err := s.PathFromURL(raw)
	if err != nil || got != p {
		t.Errorf("PathFromURL = %q, %v", got, err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"paper.pdf":           "paper.pdf",
		"my paper (1).pdf":    "my_paper_1_.pdf",
		"../../etc/passwd":    "passwd",
		`C:\docs\report.pdf`:  "report.pdf",
		"...":                 "document",
		"":                    "document",
		"résumé.pdf":          "r_sum_.pdf",
	}
	for in, want := range tests {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPaths(t *testing.T) {
	if got := PDFPath("id1", "a b.pdf"); got != "pdfs/id1/a_b.pdf" {
		t.Errorf("PDFPath = %q", got)
	}
	if got := AudioPath("id1", ".mp3"); got != "audio/id1/audio.mp3" {
		t.Errorf("AudioPath = %q", got)
	}
}
