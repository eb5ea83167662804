package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

var (
	ErrClosed     = errors.New("player is closed")
	ErrEmptyAudio = errors.New("audio data is empty")
)

// pollInterval is how often a playing stream is checked for its end.
const pollInterval = 50 * time.Millisecond

// State is the state of a Player.
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Player plays signed 16-bit little-endian PCM. onDone, when not nil, is
// called once if playback reaches the end on its own; it is not called
// after Stop, Close or a new Play.
type Player interface {
	Play(pcm []byte, onDone func()) error
	Pause() error
	Resume() error
	Stop() error
	State() State
	Position() time.Duration
	Close() error
}

// PlayerConfig describes the PCM format handed to a Player.
type PlayerConfig struct {
	SampleRate int // 44100 or 48000 Hz only
	Channels   int // 1 = mono, 2 = stereo
	BufferSize int // bytes
}

// DefaultPlayerConfig is mono 44.1kHz, which is what the decoder produces.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate: 44100,
		Channels:   1,
		BufferSize: 4096,
	}
}

// Validate checks that oto can open the format.
func (c PlayerConfig) Validate() error {
	if c.SampleRate != 44100 && c.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", c.Channels)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	return nil
}

// Duration is the play time of n bytes of PCM in this format.
func (c PlayerConfig) Duration(n int) time.Duration {
	frame := c.Channels * 2
	if frame == 0 || c.SampleRate == 0 {
		return 0
	}
	return time.Duration(n/frame) * time.Second / time.Duration(c.SampleRate)
}

// OtoPlayer plays PCM on the system audio device. oto allows a single
// context per process, so create one OtoPlayer and share it.
type OtoPlayer struct {
	context *oto.Context
	config  PlayerConfig

	mu     sync.Mutex
	state  State
	player *oto.Player
	// data must stay referenced while oto reads from it.
	data []byte
	// gen identifies the current playback so stale watchers exit.
	gen uint64

	startTime  time.Time
	pausedAt   time.Duration
	totalPause time.Duration
}

// NewOtoPlayer opens the audio device.
func NewOtoPlayer(config PlayerConfig) (*OtoPlayer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   config.Duration(config.BufferSize),
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &OtoPlayer{context: ctx, config: config}, nil
}

// Play implements Player. Any current playback is stopped first.
func (p *OtoPlayer) Play(pcm []byte, onDone func()) error {
	if len(pcm) == 0 {
		return ErrEmptyAudio
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return ErrClosed
	}
	p.stopLocked()

	p.data = append([]byte(nil), pcm...)
	p.player = p.context.NewPlayer(bytes.NewReader(p.data))
	p.player.Play()

	p.gen++
	p.state = StatePlaying
	p.startTime = time.Now()
	p.pausedAt = 0
	p.totalPause = 0

	go p.watch(p.gen, onDone)
	return nil
}

// watch waits for the stream of generation gen to drain.
func (p *OtoPlayer) watch(gen uint64, onDone func()) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if p.gen != gen || p.player == nil {
			p.mu.Unlock()
			return
		}
		if p.state == StatePaused || p.player.IsPlaying() {
			p.mu.Unlock()
			continue
		}

		err := p.player.Err()
		p.stopLocked()
		p.mu.Unlock()

		if err == nil && onDone != nil {
			onDone()
		}
		return
	}
}

// Pause implements Player.
func (p *OtoPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		return fmt.Errorf("cannot pause: player is %s", p.state)
	}
	p.player.Pause()
	p.pausedAt = p.positionLocked()
	p.state = StatePaused
	return nil
}

// Resume implements Player.
func (p *OtoPlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePaused {
		return fmt.Errorf("cannot resume: player is %s", p.state)
	}
	p.player.Play()
	p.totalPause += time.Since(p.startTime.Add(p.totalPause + p.pausedAt))
	p.state = StatePlaying
	return nil
}

// Stop implements Player.
func (p *OtoPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *OtoPlayer) stopLocked() {
	if p.state != StatePlaying && p.state != StatePaused {
		return
	}
	if p.player != nil {
		p.player.Pause()
		_ = p.player.Close()
		p.player = nil
	}
	p.data = nil
	p.gen++
	p.state = StateStopped
}

// State implements Player.
func (p *OtoPlayer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Position implements Player.
func (p *OtoPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *OtoPlayer) positionLocked() time.Duration {
	switch p.state {
	case StatePlaying:
		elapsed := time.Since(p.startTime) - p.totalPause
		if total := p.config.Duration(len(p.data)); elapsed > total {
			elapsed = total
		}
		return elapsed
	case StatePaused:
		return p.pausedAt
	default:
		return 0
	}
}

// SetVolume sets the volume of the current stream (0.0 to 1.0).
func (p *OtoPlayer) SetVolume(volume float64) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player != nil {
		p.player.SetVolume(volume)
	}
	return nil
}

// Close implements Player. oto contexts cannot be closed; the device is
// released when the process exits.
func (p *OtoPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.state = StateClosed
	return nil
}
