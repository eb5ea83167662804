package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoOutput is returned when the decoder produced no PCM.
var ErrNoOutput = errors.New("decoder produced no PCM output")

// Decoder turns compressed audio into PCM for a Player.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]byte, error)
}

// FFmpegDecoder decodes any format ffmpeg understands into signed 16-bit
// little-endian PCM.
type FFmpegDecoder struct {
	Binary  string
	Config  PlayerConfig
	Timeout time.Duration
	// MaxOutput bounds the decoded size.
	MaxOutput int
}

// NewFFmpegDecoder decodes into the given player format.
func NewFFmpegDecoder(config PlayerConfig) *FFmpegDecoder {
	return &FFmpegDecoder{
		Binary:    "ffmpeg",
		Config:    config,
		Timeout:   60 * time.Second,
		MaxOutput: 512 * 1024 * 1024,
	}
}

// Available reports whether the ffmpeg binary can be found.
func (d *FFmpegDecoder) Available() error {
	if _, err := exec.LookPath(d.Binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w\n\nInstall ffmpeg to play narrations", d.Binary, err)
	}
	return nil
}

// Decode implements Decoder. The input is streamed through stdin so no
// temporary files are needed.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	cmd := exec.Command(d.Binary,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(d.Config.SampleRate),
		"-ac", strconv.Itoa(d.Config.Channels),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
		}
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = cmd.Process.Kill()
			<-done
		}
		return nil, fmt.Errorf("ffmpeg decoding interrupted: %w", ctx.Err())
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w, stderr: %s", ErrNoOutput, strings.TrimSpace(stderr.String()))
	}
	if d.MaxOutput > 0 && len(pcm) > d.MaxOutput {
		return nil, fmt.Errorf("decoded audio too large: %d bytes (max %d)", len(pcm), d.MaxOutput)
	}
	return pcm, nil
}
