package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/playback"
	"github.com/dgnsrekt/readaloud/internal/ui"
	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play ID...",
	Short: "Play narrations through the speakers",
	Long: paragraph(fmt.Sprintf("\n%s one or more completed conversions in order. "+
		"Needs ffmpeg to decode the MP3.", keyword("Play"))),
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		tracks, err := playTracks(ctx, a.pipeline, args)
		if err != nil {
			return err
		}

		pcfg := audio.DefaultPlayerConfig()
		pcfg.SampleRate = a.cfg.Player.SampleRate
		decoder := audio.NewFFmpegDecoder(pcfg)
		decoder.Binary = a.cfg.Player.FFmpeg
		if err := decoder.Available(); err != nil {
			return err
		}
		player, err := audio.NewOtoPlayer(pcfg)
		if err != nil {
			return err
		}
		defer player.Close() //nolint:errcheck

		ctrl := playback.New(playback.BlobSource{Blobs: a.blobs}, decoder, player, log.Default())
		defer ctrl.Stop() //nolint:errcheck

		if isTerminal() {
			final, err := tea.NewProgram(ui.NewPlayer(ctx, ctrl, tracks)).Run()
			if err != nil {
				return fmt.Errorf("unable to run tui program: %w", err)
			}
			if p, ok := final.(ui.Player); ok {
				return p.Err()
			}
			return nil
		}
		return playInOrder(ctx, ctrl, tracks)
	}),
}

// playTracks resolves ids to completed records.
func playTracks(ctx context.Context, f recordFinder, ids []string) ([]ui.Track, error) {
	tracks := make([]ui.Track, 0, len(ids))
	for _, id := range ids {
		r, err := findRecord(ctx, f, id)
		if err != nil {
			return nil, err
		}
		if r.Status != conversion.StatusCompleted {
			return nil, fmt.Errorf("%s: %w", r.FileName, pipeline.ErrNotCompleted)
		}
		tracks = append(tracks, ui.Track{ID: r.ID, Name: r.FileName})
	}
	return tracks, nil
}

// playInOrder plays without a UI, waiting for each track to end.
func playInOrder(ctx context.Context, ctrl ui.Playback, tracks []ui.Track) error {
	for _, t := range tracks {
		if err := ctrl.Play(ctx, t.ID); err != nil {
			return err
		}
		fmt.Println("Playing", t.Name)
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case id := <-ctrl.Finished():
				if id == t.ID {
					break wait
				}
			}
		}
	}
	return nil
}
