package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/chunk"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/retry"
	"golang.org/x/time/rate"
)

// AudioCache stores chunk audio by cache.Key.
type AudioCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
}

// Asset is the assembled narration.
type Asset struct {
	Data        []byte
	Format      string
	ContentType string
	Chunks      []string
	Segments    int
	// Cached counts segments served from the cache.
	Cached int
}

// ChunkError reports a chunk that failed every attempt.
type ChunkError struct {
	Index    int // zero-based
	Total    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("failed to convert chunk %d of %d after %d attempts: %v", e.Index+1, e.Total, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Config tunes an Engine.
type Config struct {
	// ChunkDelay is the pause after a chunk the provider served, before
	// the next request. Zero disables it.
	ChunkDelay time.Duration
	// Retry governs each chunk.
	Retry        retry.Policy
	MaxChunkSize int
}

// DefaultConfig pauses 500ms between requests and gives each chunk three
// attempts with a linear one second backoff.
func DefaultConfig() Config {
	return Config{
		ChunkDelay: 500 * time.Millisecond,
		Retry: retry.Policy{
			Attempts: 3,
			Backoff:  retry.Linear(time.Second),
		},
		MaxChunkSize: chunk.MaxChunkSize,
	}
}

// Engine drives a Provider chunk by chunk.
type Engine struct {
	provider Provider
	splitter chunk.Splitter
	limiter  *rate.Limiter
	delay    time.Duration
	policy   retry.Policy
	cache    AudioCache
	logger   *log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache serves repeated chunks from c.
func WithCache(c AudioCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine.
func NewEngine(p Provider, cfg Config, opts ...Option) *Engine {
	limit := rate.Inf
	if cfg.ChunkDelay > 0 {
		limit = rate.Every(cfg.ChunkDelay)
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = DefaultConfig().Retry.Attempts
	}

	e := &Engine{
		provider: p,
		splitter: chunk.Splitter{MaxSize: cfg.MaxChunkSize},
		limiter:  rate.NewLimiter(limit, 1),
		delay:    cfg.ChunkDelay,
		policy:   cfg.Retry,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Synthesize converts text into one MP3. Chunks are synthesized strictly
// in order and progress is reported after each one. On failure no asset
// is returned.
func (e *Engine) Synthesize(ctx context.Context, text string, opts conversion.Options, onProgress func(float64)) (*Asset, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	opts = opts.WithDefaults()

	chunks := e.splitter.Split(text)
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	e.logger.Debug("synthesizing", "chunks", len(chunks), "voice", opts.Voice, "quality", opts.Quality, "speed", opts.Speed)

	var (
		out      bytes.Buffer
		segments int
		cached   int
	)
	for i, c := range chunks {
		req := Request{
			Text:   c,
			Voice:  opts.Voice,
			Model:  ModelFor(opts.Quality),
			Speed:  opts.Speed,
			Format: FormatMP3,
		}

		audio, hit, err := e.chunkAudio(ctx, req, i, len(chunks))
		if err != nil {
			return nil, err
		}
		if len(audio) > 0 {
			out.Write(audio)
			segments++
		}
		if hit {
			cached++
		}

		if onProgress != nil {
			onProgress(float64(i+1) / float64(len(chunks)) * 100)
		}

		if !hit && i < len(chunks)-1 {
			if err := retry.Sleep(ctx, e.delay); err != nil {
				return nil, err
			}
		}
	}

	if segments == 0 {
		return nil, ErrNoAudio
	}

	return &Asset{
		Data:        out.Bytes(),
		Format:      FormatMP3,
		ContentType: "audio/mpeg",
		Chunks:      chunks,
		Segments:    segments,
		Cached:      cached,
	}, nil
}

// chunkAudio serves a chunk from the cache or synthesizes it. The limiter
// keeps request starts at least ChunkDelay apart.
func (e *Engine) chunkAudio(ctx context.Context, req Request, index, total int) ([]byte, bool, error) {
	var key string
	if e.cache != nil {
		key = cache.Key(req.Text, string(req.Voice), req.Model, req.Speed)
		if audio, ok := e.cache.Get(key); ok {
			e.logger.Debug("chunk cache hit", "chunk", index+1)
			return audio, true, nil
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	audio, err := e.retryChunk(ctx, req, index, total)
	if err != nil {
		return nil, false, err
	}

	if e.cache != nil {
		if err := e.cache.Put(key, audio); err != nil {
			e.logger.Warn("failed to cache chunk audio", "chunk", index+1, "err", err)
		}
	}
	return audio, false, nil
}

// retryChunk calls the provider for a single chunk until it succeeds or
// the attempt budget is spent.
func (e *Engine) retryChunk(ctx context.Context, req Request, index, total int) ([]byte, error) {
	policy := e.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("chunk synthesis failed", "chunk", index+1, "of", total, "attempt", attempt, "retry_in", delay, "err", err)
	}

	audio, err := retry.DoValue(ctx, policy, func(ctx context.Context, _ int) ([]byte, error) {
		return e.provider.Synthesize(ctx, req)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, &ChunkError{Index: index, Total: total, Attempts: exhausted.Attempts, Err: exhausted.Last}
		}
		return nil, err
	}
	return audio, nil
}
