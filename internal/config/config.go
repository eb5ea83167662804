// Package config holds the readaloud configuration: file settings read
// through viper, secrets read from the environment, and their defaults and
// validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// AppName names the config file, env prefix and data directories.
const AppName = "readaloud"

// Providers that can synthesize speech.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config contains all file and flag settings.
type Config struct {
	Debug   bool   `yaml:"debug"`
	User    string `yaml:"user"`
	DataDir string `yaml:"data_dir"`

	// Default TTS options for new conversions
	Voice   string  `yaml:"voice"`
	Quality string  `yaml:"quality"`
	Speed   float64 `yaml:"speed"`

	Synth   SynthConfig   `yaml:"synth"`
	Extract ExtractConfig `yaml:"extract"`
	Cache   CacheConfig   `yaml:"cache"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Player  PlayerConfig  `yaml:"player"`
}

// SynthConfig configures speech synthesis.
type SynthConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	ChunkDelay   time.Duration `yaml:"chunk_delay"`
	MaxChunkSize int           `yaml:"max_chunk_size"`
	Attempts     int           `yaml:"attempts"`
}

// ExtractConfig configures text extraction and OCR.
type ExtractConfig struct {
	MinTextLength int           `yaml:"min_text_length"`
	MaxOCRPages   int           `yaml:"max_ocr_pages"`
	Language      string        `yaml:"language"`
	OCRTimeout    time.Duration `yaml:"ocr_timeout"`
	OCRAttempts   int           `yaml:"ocr_attempts"`
	Tesseract     string        `yaml:"tesseract"`
	DPI           float64       `yaml:"dpi"`
}

// CacheConfig configures the synthesized audio cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Dir         string        `yaml:"dir"`
	MemoryMB    int           `yaml:"memory_mb"`
	DiskMB      int           `yaml:"disk_mb"`
	Compression int           `yaml:"compression"`
	TTL         time.Duration `yaml:"ttl"`
}

// StorageConfig configures the record and blob stores.
type StorageConfig struct {
	Database      string        `yaml:"database"`
	BlobDir       string        `yaml:"blob_dir"`
	RetryAttempts int           `yaml:"retry_attempts"`
	AudioURLTTL   time.Duration `yaml:"audio_url_ttl"`
}

// ServerConfig configures `readaloud serve`.
type ServerConfig struct {
	Addr           string            `yaml:"addr"`
	BaseURL        string            `yaml:"base_url"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	QueueSize      int               `yaml:"queue_size"`
	MaxUploadMB    int               `yaml:"max_upload_mb"`
	Tokens         map[string]string `yaml:"tokens"`
}

// PlayerConfig configures local playback.
type PlayerConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	FFmpeg     string `yaml:"ffmpeg"`
}

// Secrets come from the environment only.
type Secrets struct {
	OpenAIKey  string `env:"OPENAI_API_KEY"`
	SigningKey string `env:"READALOUD_SIGNING_KEY"`
	User       string `env:"READALOUD_USER"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Voice:   string(conversion.VoiceNova),
		Quality: string(conversion.Quality128k),
		Speed:   conversion.DefaultSpeed,
		Synth: SynthConfig{
			Provider:     ProviderOpenAI,
			Timeout:      90 * time.Second,
			ChunkDelay:   500 * time.Millisecond,
			MaxChunkSize: 4000,
			Attempts:     3,
		},
		Extract: ExtractConfig{
			MinTextLength: 50,
			MaxOCRPages:   50,
			Language:      "eng",
			OCRTimeout:    60 * time.Second,
			OCRAttempts:   3,
			Tesseract:     "tesseract",
			DPI:           200,
		},
		Cache: CacheConfig{
			Enabled:     true,
			MemoryMB:    64,
			DiskMB:      512,
			Compression: 3,
			TTL:         30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			RetryAttempts: 3,
			AudioURLTTL:   24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			RequestTimeout: 30 * time.Second,
			QueueSize:      100,
			MaxUploadMB:    200,
		},
		Player: PlayerConfig{
			SampleRate: 44100,
			FFmpeg:     "ffmpeg",
		},
	}
}

// SetDefaults registers every default with v so that `config` output and
// flag bindings see them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("user", d.User)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("voice", d.Voice)
	v.SetDefault("quality", d.Quality)
	v.SetDefault("speed", d.Speed)

	v.SetDefault("synth.provider", d.Synth.Provider)
	v.SetDefault("synth.base_url", d.Synth.BaseURL)
	v.SetDefault("synth.timeout", d.Synth.Timeout)
	v.SetDefault("synth.chunk_delay", d.Synth.ChunkDelay)
	v.SetDefault("synth.max_chunk_size", d.Synth.MaxChunkSize)
	v.SetDefault("synth.attempts", d.Synth.Attempts)

	v.SetDefault("extract.min_text_length", d.Extract.MinTextLength)
	v.SetDefault("extract.max_ocr_pages", d.Extract.MaxOCRPages)
	v.SetDefault("extract.language", d.Extract.Language)
	v.SetDefault("extract.ocr_timeout", d.Extract.OCRTimeout)
	v.SetDefault("extract.ocr_attempts", d.Extract.OCRAttempts)
	v.SetDefault("extract.tesseract", d.Extract.Tesseract)
	v.SetDefault("extract.dpi", d.Extract.DPI)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.memory_mb", d.Cache.MemoryMB)
	v.SetDefault("cache.disk_mb", d.Cache.DiskMB)
	v.SetDefault("cache.compression", d.Cache.Compression)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("storage.database", d.Storage.Database)
	v.SetDefault("storage.blob_dir", d.Storage.BlobDir)
	v.SetDefault("storage.retry_attempts", d.Storage.RetryAttempts)
	v.SetDefault("storage.audio_url_ttl", d.Storage.AudioURLTTL)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.queue_size", d.Server.QueueSize)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)

	v.SetDefault("player.sample_rate", d.Player.SampleRate)
	v.SetDefault("player.ffmpeg", d.Player.FFmpeg)
}

// Load reads the configuration from v on top of the defaults, expands
// paths and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	cfg.Debug = v.GetBool("debug")
	cfg.User = v.GetString("user")
	cfg.DataDir = v.GetString("data_dir")
	if v.IsSet("voice") {
		cfg.Voice = v.GetString("voice")
	}
	if v.IsSet("quality") {
		cfg.Quality = v.GetString("quality")
	}
	if v.IsSet("speed") {
		cfg.Speed = v.GetFloat64("speed")
	}

	if v.IsSet("synth.provider") {
		cfg.Synth.Provider = strings.ToLower(v.GetString("synth.provider"))
	}
	cfg.Synth.BaseURL = v.GetString("synth.base_url")
	if v.IsSet("synth.timeout") {
		cfg.Synth.Timeout = v.GetDuration("synth.timeout")
	}
	if v.IsSet("synth.chunk_delay") {
		cfg.Synth.ChunkDelay = v.GetDuration("synth.chunk_delay")
	}
	if v.IsSet("synth.max_chunk_size") {
		cfg.Synth.MaxChunkSize = v.GetInt("synth.max_chunk_size")
	}
	if v.IsSet("synth.attempts") {
		cfg.Synth.Attempts = v.GetInt("synth.attempts")
	}

	if v.IsSet("extract.min_text_length") {
		cfg.Extract.MinTextLength = v.GetInt("extract.min_text_length")
	}
	if v.IsSet("extract.max_ocr_pages") {
		cfg.Extract.MaxOCRPages = v.GetInt("extract.max_ocr_pages")
	}
	if v.IsSet("extract.language") {
		cfg.Extract.Language = v.GetString("extract.language")
	}
	if v.IsSet("extract.ocr_timeout") {
		cfg.Extract.OCRTimeout = v.GetDuration("extract.ocr_timeout")
	}
	if v.IsSet("extract.ocr_attempts") {
		cfg.Extract.OCRAttempts = v.GetInt("extract.ocr_attempts")
	}
	if v.IsSet("extract.tesseract") {
		cfg.Extract.Tesseract = v.GetString("extract.tesseract")
	}
	if v.IsSet("extract.dpi") {
		cfg.Extract.DPI = v.GetFloat64("extract.dpi")
	}

	if v.IsSet("cache.enabled") {
		cfg.Cache.Enabled = v.GetBool("cache.enabled")
	}
	cfg.Cache.Dir = v.GetString("cache.dir")
	if v.IsSet("cache.memory_mb") {
		cfg.Cache.MemoryMB = v.GetInt("cache.memory_mb")
	}
	if v.IsSet("cache.disk_mb") {
		cfg.Cache.DiskMB = v.GetInt("cache.disk_mb")
	}
	if v.IsSet("cache.compression") {
		cfg.Cache.Compression = v.GetInt("cache.compression")
	}
	if v.IsSet("cache.ttl") {
		cfg.Cache.TTL = v.GetDuration("cache.ttl")
	}

	cfg.Storage.Database = v.GetString("storage.database")
	cfg.Storage.BlobDir = v.GetString("storage.blob_dir")
	if v.IsSet("storage.retry_attempts") {
		cfg.Storage.RetryAttempts = v.GetInt("storage.retry_attempts")
	}
	if v.IsSet("storage.audio_url_ttl") {
		cfg.Storage.AudioURLTTL = v.GetDuration("storage.audio_url_ttl")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	cfg.Server.BaseURL = v.GetString("server.base_url")
	if v.IsSet("server.request_timeout") {
		cfg.Server.RequestTimeout = v.GetDuration("server.request_timeout")
	}
	if v.IsSet("server.queue_size") {
		cfg.Server.QueueSize = v.GetInt("server.queue_size")
	}
	if v.IsSet("server.max_upload_mb") {
		cfg.Server.MaxUploadMB = v.GetInt("server.max_upload_mb")
	}
	if tokens := v.GetStringMapString("server.tokens"); len(tokens) > 0 {
		cfg.Server.Tokens = tokens
	}

	if v.IsSet("player.sample_rate") {
		cfg.Player.SampleRate = v.GetInt("player.sample_rate")
	}
	if v.IsSet("player.ffmpeg") {
		cfg.Player.FFmpeg = v.GetString("player.ffmpeg")
	}

	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolvePaths expands ~ and fills the storage locations under DataDir.
func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	c.DataDir = ExpandPath(c.DataDir)

	if c.Storage.Database == "" {
		c.Storage.Database = filepath.Join(c.DataDir, AppName+".db")
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = filepath.Join(c.DataDir, "blobs")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	c.Storage.Database = ExpandPath(c.Storage.Database)
	c.Storage.BlobDir = ExpandPath(c.Storage.BlobDir)
	c.Cache.Dir = ExpandPath(c.Cache.Dir)

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://" + c.Server.Addr
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return err
	}

	validProviders := []string{ProviderOpenAI, ProviderMock}
	if !slices.Contains(validProviders, c.Synth.Provider) {
		return fmt.Errorf("invalid synth provider '%s': must be one of %v", c.Synth.Provider, validProviders)
	}
	if c.Synth.MaxChunkSize < 100 || c.Synth.MaxChunkSize > 4096 {
		return fmt.Errorf("synth max_chunk_size must be between 100 and 4096, got %d", c.Synth.MaxChunkSize)
	}
	if c.Synth.Attempts < 1 || c.Synth.Attempts > 10 {
		return fmt.Errorf("synth attempts must be between 1 and 10, got %d", c.Synth.Attempts)
	}
	if c.Synth.ChunkDelay < 0 {
		return fmt.Errorf("synth chunk_delay cannot be negative, got %s", c.Synth.ChunkDelay)
	}

	if c.Extract.OCRAttempts < 1 {
		return fmt.Errorf("extract ocr_attempts must be at least 1, got %d", c.Extract.OCRAttempts)
	}
	if c.Extract.OCRTimeout <= 0 {
		return fmt.Errorf("extract ocr_timeout must be positive, got %s", c.Extract.OCRTimeout)
	}
	if c.Extract.MaxOCRPages < 1 {
		return fmt.Errorf("extract max_ocr_pages must be at least 1, got %d", c.Extract.MaxOCRPages)
	}
	if len(c.Extract.Language) < 3 {
		return fmt.Errorf("extract language must be a tesseract language code, got %q", c.Extract.Language)
	}

	if c.Cache.Enabled {
		if c.Cache.MemoryMB < 1 || c.Cache.MemoryMB > 10000 {
			return fmt.Errorf("cache memory_mb must be between 1 and 10000 MB, got %d", c.Cache.MemoryMB)
		}
		if c.Cache.DiskMB < 1 || c.Cache.DiskMB > 100000 {
			return fmt.Errorf("cache disk_mb must be between 1 and 100000 MB, got %d", c.Cache.DiskMB)
		}
		if c.Cache.Compression < 0 || c.Cache.Compression > 4 {
			return fmt.Errorf("cache compression must be between 0 and 4, got %d", c.Cache.Compression)
		}
	}

	if c.Storage.RetryAttempts < 1 {
		return fmt.Errorf("storage retry_attempts must be at least 1, got %d", c.Storage.RetryAttempts)
	}
	if c.Storage.AudioURLTTL < time.Minute {
		return fmt.Errorf("storage audio_url_ttl must be at least 1m, got %s", c.Storage.AudioURLTTL)
	}

	if c.Server.QueueSize < 1 {
		return fmt.Errorf("server queue_size must be at least 1, got %d", c.Server.QueueSize)
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server max_upload_mb must be at least 1, got %d", c.Server.MaxUploadMB)
	}

	validSampleRates := []int{44100, 48000}
	if !slices.Contains(validSampleRates, c.Player.SampleRate) {
		return fmt.Errorf("invalid sample rate %d: must be one of %v", c.Player.SampleRate, validSampleRates)
	}
	return nil
}

// Options returns the default conversion options.
func (c Config) Options() conversion.Options {
	return conversion.Options{
		Voice:   conversion.Voice(strings.ToLower(c.Voice)),
		Quality: conversion.Quality(strings.ToLower(c.Quality)),
		Speed:   c.Speed,
	}
}

// LoadSecrets reads secrets from the environment after loading any of the
// given dotenv files that exist. Variables already set win over the files.
func LoadSecrets(dotenvFiles ...string) (Secrets, error) {
	var existing []string
	for _, f := range dotenvFiles {
		f = ExpandPath(f)
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return Secrets{}, fmt.Errorf("unable to load env file: %w", err)
		}
	}

	s, err := env.ParseAs[Secrets]()
	if err != nil {
		return s, fmt.Errorf("error parsing environment: %w", err)
	}
	return s, nil
}

// ErrNoSigningKey is returned when blob URLs cannot be signed.
var ErrNoSigningKey = errors.New("READALOUD_SIGNING_KEY is not set")

// SigningKey returns the configured key, or a stable key kept in the data
// dir for single-user setups.
func (s Secrets) SigningKey(dataDir string) ([]byte, error) {
	if s.SigningKey != "" {
		return []byte(s.SigningKey), nil
	}
	if dataDir == "" {
		return nil, ErrNoSigningKey
	}

	path := filepath.Join(dataDir, "signing.key")
	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return []byte(strings.TrimSpace(string(data))), nil
	}
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return nil, fmt.Errorf("unable to write signing key: %w", err)
	}
	return []byte(key), nil
}

// ConfigDirs lists where the config file is looked up, most specific
// first.
func ConfigDirs() ([]string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("could not find configuration directory: %w", err)
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, AppName)}, dirs...)
	}
	if c := os.Getenv("READALOUD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

// DefaultDataDir is the user data directory for readaloud.
func DefaultDataDir() (string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dir, err := scope.DataPath("")
	if err != nil {
		return "", fmt.Errorf("could not find data directory: %w", err)
	}
	return dir, nil
}

// ExpandPath expands ~ and environment variables in p.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if expanded, err := homedir.Expand(os.ExpandEnv(p)); err == nil {
		return expanded
	}
	return p
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("unable to generate signing key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
