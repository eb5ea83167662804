// Package blob stores PDFs and narrations on an afero filesystem and hands
// out time-limited signed read URLs for them.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")

	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("invalid blob path")

	ErrBadSignature = errors.New("invalid signature")
	ErrExpired      = errors.New("signed URL expired")
)

const metaSuffix = ".meta.json"

// UploadOptions describe how a blob is written.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	// Upsert replaces an existing blob instead of failing with ErrExists.
	Upsert bool
}

// Meta is stored next to every blob.
type Meta struct {
	ContentType  string    `json:"content_type"`
	CacheControl string    `json:"cache_control,omitempty"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Store is a blob store rooted at the top of fs.
type Store struct {
	fs      afero.Fs
	baseURL string
	key     []byte
	now     func() time.Time
}

// New creates a Store. Signed URLs point at baseURL and are signed with
// key, which must not be empty.
func New(fs afero.Fs, baseURL string, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, errors.New("blob signing key not configured")
	}
	return &Store{
		fs:      fs,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		now:     time.Now,
	}, nil
}

// Upload writes data at p.
func (s *Store) Upload(ctx context.Context, p string, data []byte, opts UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := clean(p)
	if err != nil {
		return err
	}

	if !opts.Upsert {
		if _, err := s.fs.Stat(p); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, p)
		}
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta, err := json.Marshal(Meta{
		ContentType:  contentType,
		CacheControl: opts.CacheControl,
		Size:         int64(len(data)),
		UploadedAt:   s.now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := afero.WriteFile(s.fs, p+metaSuffix, meta, 0o644); err != nil {
		return fmt.Errorf("failed to write blob metadata: %w", err)
	}
	return nil
}

// Read returns the blob at p and its metadata.
func (s *Store) Read(ctx context.Context, p string) ([]byte, Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}
	p, err := clean(p)
	if err != nil {
		return nil, Meta{}, err
	}

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, Meta{}, err
	}

	meta := Meta{ContentType: "application/octet-stream", Size: int64(len(data))}
	if raw, err := afero.ReadFile(s.fs, p+metaSuffix); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return data, meta, nil
}

// Delete removes the given blobs. Missing blobs are ignored.
func (s *Store) Delete(ctx context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := clean(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range []string{p, p + metaSuffix} {
			if err := s.fs.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SignedURL returns a URL granting read access to p for ttl.
func (s *Store) SignedURL(p string, ttl time.Duration) (string, error) {
	p, err := clean(p)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(p, expires))
	return s.baseURL + "/blobs/" + escapePath(p) + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (s *Store) Verify(p string, expires int64, sig string) error {
	p, err := clean(p)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(p, expires))) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}

// PathFromURL extracts the blob path from a URL returned by SignedURL.
func (s *Store) PathFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	_, p, ok := strings.Cut(u.Path, "/blobs/")
	if !ok {
		return "", fmt.Errorf("%w: not a blob URL", ErrInvalidPath)
	}
	return clean(p)
}

func (s *Store) sign(p string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", p, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// clean normalises p and rejects paths that escape the root.
func clean(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, metaSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName makes a user-supplied file name safe as a path segment.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "document"
	}
	return name
}

// PDFPath is where the uploaded PDF of a conversion is kept.
func PDFPath(id, name string) string {
	return "pdfs/" + id + "/" + SanitizeName(name)
}

// AudioPath is where the narration of a conversion is kept.
func AudioPath(id, ext string) string {
	return "audio/" + id + "/audio." + strings.TrimPrefix(ext, ".")
}
