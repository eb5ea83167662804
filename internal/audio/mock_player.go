package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockPlayer simulates playback without producing sound. Playback of a
// buffer lasts its PCM duration multiplied by DelayFactor.
type MockPlayer struct {
	mu     sync.Mutex
	config PlayerConfig
	state  State
	timer  *time.Timer
	gen    uint64
	onDone func()
	audio  []byte

	remaining time.Duration
	total     time.Duration
	resumedAt time.Time

	// DelayFactor scales simulated time; 0.01 plays a second of audio in
	// ten milliseconds.
	DelayFactor float64
	callbacks   MockCallbacks

	playCount   atomic.Int64
	pauseCount  atomic.Int64
	resumeCount atomic.Int64
	stopCount   atomic.Int64
}

// MockCallbacks provides hooks for testing.
type MockCallbacks struct {
	OnPlay   func(pcm []byte)
	OnPause  func()
	OnResume func()
	OnStop   func()
}

// NewMockPlayer creates a mock player for the default format.
func NewMockPlayer(callbacks MockCallbacks) *MockPlayer {
	return &MockPlayer{
		config:      DefaultPlayerConfig(),
		DelayFactor: 1.0,
		callbacks:   callbacks,
	}
}

// Play implements Player.
func (mp *MockPlayer) Play(pcm []byte, onDone func()) error {
	if len(pcm) == 0 {
		return ErrEmptyAudio
	}

	mp.mu.Lock()
	if mp.state == StateClosed {
		mp.mu.Unlock()
		return ErrClosed
	}
	mp.stopLocked()

	mp.audio = append([]byte(nil), pcm...)
	mp.total = mp.config.Duration(len(pcm))
	mp.remaining = mp.total
	mp.onDone = onDone
	mp.state = StatePlaying
	mp.playCount.Add(1)
	mp.startLocked()
	mp.mu.Unlock()

	if mp.callbacks.OnPlay != nil {
		mp.callbacks.OnPlay(pcm)
	}
	return nil
}

// startLocked schedules the end of the remaining audio.
func (mp *MockPlayer) startLocked() {
	mp.gen++
	gen := mp.gen
	mp.resumedAt = time.Now()
	mp.timer = time.AfterFunc(mp.scaled(mp.remaining), func() { mp.finish(gen) })
}

func (mp *MockPlayer) finish(gen uint64) {
	mp.mu.Lock()
	if mp.gen != gen || mp.state != StatePlaying {
		mp.mu.Unlock()
		return
	}
	onDone := mp.onDone
	mp.reset()
	mp.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

func (mp *MockPlayer) scaled(d time.Duration) time.Duration {
	if mp.DelayFactor <= 0 {
		return d
	}
	return time.Duration(float64(d) * mp.DelayFactor)
}

// Pause implements Player.
func (mp *MockPlayer) Pause() error {
	mp.mu.Lock()
	if mp.state != StatePlaying {
		defer mp.mu.Unlock()
		return fmt.Errorf("cannot pause: player is %s", mp.state)
	}
	mp.timer.Stop()
	mp.gen++
	mp.remaining -= mp.elapsedLocked()
	mp.state = StatePaused
	mp.pauseCount.Add(1)
	mp.mu.Unlock()

	if mp.callbacks.OnPause != nil {
		mp.callbacks.OnPause()
	}
	return nil
}

// Resume implements Player.
func (mp *MockPlayer) Resume() error {
	mp.mu.Lock()
	if mp.state != StatePaused {
		defer mp.mu.Unlock()
		return fmt.Errorf("cannot resume: player is %s", mp.state)
	}
	mp.state = StatePlaying
	mp.resumeCount.Add(1)
	mp.startLocked()
	mp.mu.Unlock()

	if mp.callbacks.OnResume != nil {
		mp.callbacks.OnResume()
	}
	return nil
}

// Stop implements Player.
func (mp *MockPlayer) Stop() error {
	mp.mu.Lock()
	stopped := mp.stopLocked()
	mp.mu.Unlock()

	if stopped && mp.callbacks.OnStop != nil {
		mp.callbacks.OnStop()
	}
	return nil
}

func (mp *MockPlayer) stopLocked() bool {
	if mp.state != StatePlaying && mp.state != StatePaused {
		return false
	}
	mp.reset()
	mp.stopCount.Add(1)
	return true
}

func (mp *MockPlayer) reset() {
	if mp.timer != nil {
		mp.timer.Stop()
		mp.timer = nil
	}
	mp.gen++
	mp.audio = nil
	mp.onDone = nil
	mp.remaining = 0
	mp.state = StateStopped
}

// elapsedLocked is the simulated audio time played since the last start.
func (mp *MockPlayer) elapsedLocked() time.Duration {
	wall := time.Since(mp.resumedAt)
	if mp.DelayFactor > 0 {
		wall = time.Duration(float64(wall) / mp.DelayFactor)
	}
	if wall > mp.remaining {
		wall = mp.remaining
	}
	return wall
}

// State implements Player.
func (mp *MockPlayer) State() State {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// Position implements Player.
func (mp *MockPlayer) Position() time.Duration {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	switch mp.state {
	case StatePlaying:
		return mp.total - mp.remaining + mp.elapsedLocked()
	case StatePaused:
		return mp.total - mp.remaining
	default:
		return 0
	}
}

// Audio returns the PCM currently loaded.
func (mp *MockPlayer) Audio() []byte {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.audio
}

// Close implements Player.
func (mp *MockPlayer) Close() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.stopLocked()
	mp.state = StateClosed
	return nil
}

// Counts returns how often Play, Pause, Resume and Stop took effect.
func (mp *MockPlayer) Counts() (play, pause, resume, stop int64) {
	return mp.playCount.Load(), mp.pauseCount.Load(), mp.resumeCount.Load(), mp.stopCount.Load()
}
