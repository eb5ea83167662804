package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/chunk"
	"github.com/dgnsrekt/readaloud/internal/config"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/retry"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/spf13/afero"
)

// defaultUser owns CLI conversions when no user is configured.
const defaultUser = "local"

// app is every collaborator a command needs, wired from the config.
type app struct {
	cfg      config.Config
	logger   *log.Logger
	records  *store.Store
	blobs    *blob.Store
	audio    *cache.Tiered
	bus      *tasks.EventBus
	tracker  *tasks.Tracker
	session  *auth.Session
	pipeline *pipeline.Pipeline
}

// newApp opens the stores under cfg.DataDir on fs and builds the pipeline.
// Close must be called when done.
func newApp(fs afero.Fs, cfg config.Config, secrets config.Secrets, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.Default()
	}
	for _, dir := range []string{cfg.DataDir, cfg.Storage.BlobDir} {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("unable to create %s: %w", dir, err)
		}
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var err error
	if a.records, err = store.Open(cfg.Storage.Database); err != nil {
		return nil, err
	}

	key, err := secrets.SigningKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if a.blobs, err = blob.New(afero.NewBasePathFs(fs, cfg.Storage.BlobDir), cfg.Server.BaseURL, key); err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg.Synth, secrets)
	if err != nil {
		return nil, err
	}
	synthOpts := []synth.Option{synth.WithLogger(logger.WithPrefix("synth"))}
	if cfg.Cache.Enabled {
		a.audio, err = cache.Open(fs, cache.Config{
			MemoryCapacity:   int64(cfg.Cache.MemoryMB) << 20,
			Dir:              cfg.Cache.Dir,
			DiskCapacity:     int64(cfg.Cache.DiskMB) << 20,
			CompressionLevel: cfg.Cache.Compression,
			TTL:              cfg.Cache.TTL,
		}, logger.WithPrefix("cache"))
		if err != nil {
			return nil, err
		}
		synthOpts = append(synthOpts, synth.WithCache(a.audio))
	}
	engine := synth.NewEngine(provider, synth.Config{
		ChunkDelay: cfg.Synth.ChunkDelay,
		Retry: retry.Policy{
			Attempts: cfg.Synth.Attempts,
			Backoff:  retry.Linear(time.Second),
		},
		MaxChunkSize: cfg.Synth.MaxChunkSize,
	}, synthOpts...)

	doc := extract.FitzDocument{DPI: cfg.Extract.DPI}
	tesseract := cfg.Extract.Tesseract
	extractor := extract.New(doc, doc, func() extract.OCREngine {
		return &extract.TesseractOCR{Binary: tesseract}
	}, extract.Config{
		MinTextLength: cfg.Extract.MinTextLength,
		MaxOCRPages:   cfg.Extract.MaxOCRPages,
		Language:      cfg.Extract.Language,
		OCRRetry: retry.Policy{
			Attempts: cfg.Extract.OCRAttempts,
			Timeout:  cfg.Extract.OCRTimeout,
			Backoff:  retry.Linear(time.Second),
		},
	}, logger.WithPrefix("extract"))

	user := cfg.User
	if user == "" {
		user = secrets.User
	}
	if user == "" {
		user = defaultUser
	}
	a.session = auth.NewSession(user)
	a.bus = tasks.NewEventBus(0)
	a.tracker = tasks.NewTracker(a.bus)

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Records:   a.records,
		Blobs:     a.blobs,
		Session:   a.session,
		Extractor: extractor,
		Synth:     engine,
		Sink:      a.tracker,
	}, pipeline.Config{
		Retry: retry.Policy{
			Attempts: cfg.Storage.RetryAttempts,
			Backoff:  retry.Exponential(time.Second),
		},
		AudioURLTTL: cfg.Storage.AudioURLTTL,
		Splitter:    chunk.Splitter{MaxSize: cfg.Synth.MaxChunkSize},
	}, pipeline.WithLogger(logger.WithPrefix("pipeline")))
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newProvider(cfg config.SynthConfig, secrets config.Secrets) (synth.Provider, error) {
	switch cfg.Provider {
	case config.ProviderMock:
		return synth.NewMockProvider(), nil
	case config.ProviderOpenAI:
		p, err := synth.NewOpenAIProvider(synth.OpenAIConfig{
			APIKey:  secrets.OpenAIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if errors.Is(err, synth.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: set OPENAI_API_KEY or use --dry-run", err)
		}
		return p, err
	default:
		return nil, fmt.Errorf("unknown synth provider %q", cfg.Provider)
	}
}

// Close releases the stores.
func (a *app) Close() error {
	var errs []error
	if a.audio != nil {
		errs = append(errs, a.audio.Close())
	}
	if a.records != nil {
		errs = append(errs, a.records.Close())
	}
	return errors.Join(errs...)
}

// openApp builds the app for the loaded configuration on the real
// filesystem.
func openApp(logger *log.Logger) (*app, error) {
	if dryRun {
		cfg.Synth.Provider = config.ProviderMock
	}
	a, err := newApp(afero.NewOsFs(), cfg, secrets, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened data directory", "dir", cfg.DataDir, "provider", cfg.Synth.Provider)
	return a, nil
}
