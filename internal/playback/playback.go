// Package playback owns the single narration playing in the process,
// keyed by conversion record id.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/blob"
)

// ErrNothingPlaying is returned by Pause, Resume when no record is loaded.
var ErrNothingPlaying = errors.New("nothing is playing")

// AudioSource fetches the encoded narration of a record.
type AudioSource interface {
	Audio(ctx context.Context, id string) ([]byte, error)
}

// BlobReader is the part of blob.Store a BlobSource needs.
type BlobReader interface {
	Read(ctx context.Context, path string) ([]byte, blob.Meta, error)
}

// BlobSource reads narrations from their deterministic blob path.
type BlobSource struct {
	Blobs BlobReader
}

// Audio implements AudioSource.
func (s BlobSource) Audio(ctx context.Context, id string) ([]byte, error) {
	data, _, err := s.Blobs.Read(ctx, blob.AudioPath(id, "mp3"))
	return data, err
}

// Controller plays at most one record at a time. Starting a record stops
// the previous one. It is safe for concurrent use.
type Controller struct {
	source  AudioSource
	decoder audio.Decoder
	player  audio.Player
	logger  *log.Logger

	mu       sync.Mutex
	current  string
	gen      uint64
	finished chan string
}

// New creates a Controller.
func New(source AudioSource, decoder audio.Decoder, player audio.Player, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		source:   source,
		decoder:  decoder,
		player:   player,
		logger:   logger,
		finished: make(chan string, 8),
	}
}

// Play starts the record from the beginning. A paused record with the
// same id is resumed instead.
func (c *Controller) Play(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.current == id && c.player.State() == audio.StatePaused {
		c.mu.Unlock()
		return c.Resume()
	}
	c.mu.Unlock()

	data, err := c.source.Audio(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load audio for %s: %w", id, err)
	}
	pcm, err := c.decoder.Decode(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to decode audio for %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != "" {
		c.logger.Debug("switching playback", "from", c.current, "to", id)
	}
	c.gen++
	gen := c.gen
	if err := c.player.Play(pcm, func() { c.ended(gen, id) }); err != nil {
		c.current = ""
		return err
	}
	c.current = id
	c.logger.Debug("playing", "id", id, "bytes", len(pcm))
	return nil
}

// Toggle plays id, or pauses and resumes it when it is already loaded.
func (c *Controller) Toggle(ctx context.Context, id string) error {
	c.mu.Lock()
	loaded := c.current == id
	state := c.player.State()
	c.mu.Unlock()

	if loaded && state == audio.StatePlaying {
		return c.Pause()
	}
	return c.Play(ctx, id)
}

// Pause pauses the current record.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return ErrNothingPlaying
	}
	return c.player.Pause()
}

// Resume resumes the current record.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return ErrNothingPlaying
	}
	return c.player.Resume()
}

// Stop stops playback. Stopping does not emit on Finished.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.current = ""
	return c.player.Stop()
}

// Current returns the loaded record id, empty when idle, and the player
// state.
func (c *Controller) Current() (string, audio.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.player.State()
}

// Finished emits the id of every record that played to its end. Ids are
// dropped when nobody is reading.
func (c *Controller) Finished() <-chan string {
	return c.finished
}

func (c *Controller) ended(gen uint64, id string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.current = ""
	c.mu.Unlock()

	c.logger.Debug("playback finished", "id", id)
	select {
	case c.finished <- id:
	default:
	}
}
