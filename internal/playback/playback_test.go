package playback

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/spf13/afero"
)

// copyDecoder treats the stored bytes as PCM.
type copyDecoder struct{}

func (copyDecoder) Decode(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

func newController(t *testing.T, delay float64) (*Controller, *audio.MockPlayer) {
	t.Helper()

	blobs, err := blob.New(afero.NewMemMapFs(), "http://localhost", []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	// half a second and one second of silence
	for id, size := range map[string]int{"short": 44100, "long": 88200} {
		if err := blobs.Upload(context.Background(), blob.AudioPath(id, "mp3"), make([]byte, size), blob.UploadOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	player := audio.NewMockPlayer(audio.MockCallbacks{})
	player.DelayFactor = delay
	t.Cleanup(func() { player.Close() })

	return New(BlobSource{Blobs: blobs}, copyDecoder{}, player, log.New(io.Discard)), player
}

func TestController_FinishedEmitsID(t *testing.T) {
	c, _ := newController(t, 0.02)

	if err := c.Play(context.Background(), "short"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if id, state := c.Current(); id != "short" || state != audio.StatePlaying {
		t.Errorf("Current = %q, %v", id, state)
	}

	select {
	case id := <-c.Finished():
		if id != "short" {
			t.Errorf("finished %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no finished notification")
	}
	if id, _ := c.Current(); id != "" {
		t.Errorf("still current after finishing: %q", id)
	}
}

func TestController_SwitchStopsPrevious(t *testing.T) {
	c, player := newController(t, 0.05)
	ctx := context.Background()

	_ = c.Play(ctx, "long")
	if err := c.Play(ctx, "short"); err != nil {
		t.Fatal(err)
	}
	if id, _ := c.Current(); id != "short" {
		t.Errorf("current = %q", id)
	}
	if len(player.Audio()) != 44100 {
		t.Errorf("player holds %d bytes", len(player.Audio()))
	}

	select {
	case id := <-c.Finished():
		if id != "short" {
			t.Errorf("replaced playback reported finished: %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no finished notification")
	}
}

func TestController_PauseResumeToggle(t *testing.T) {
	c, player := newController(t, 1)
	ctx := context.Background()

	if err := c.Pause(); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("Pause when idle = %v", err)
	}

	_ = c.Play(ctx, "long")
	if err := c.Toggle(ctx, "long"); err != nil {
		t.Fatal(err)
	}
	if _, state := c.Current(); state != audio.StatePaused {
		t.Errorf("state after toggle = %v", state)
	}

	// playing the paused record resumes it
	if err := c.Play(ctx, "long"); err != nil {
		t.Fatal(err)
	}
	if _, state := c.Current(); state != audio.StatePlaying {
		t.Errorf("state after play = %v", state)
	}
	if play, pause, resume, _ := player.Counts(); play != 1 || pause != 1 || resume != 1 {
		t.Errorf("counts = %d %d %d", play, pause, resume)
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if id, state := c.Current(); id != "" || state != audio.StateStopped {
		t.Errorf("after stop: %q %v", id, state)
	}
	select {
	case id := <-c.Finished():
		t.Errorf("stop emitted finished for %q", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestController_MissingAudio(t *testing.T) {
	c, _ := newController(t, 1)
	err := c.Play(context.Background(), "missing")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected blob.ErrNotFound, got %v", err)
	}
	if id, _ := c.Current(); id != "" {
		t.Errorf("current = %q", id)
	}
}
