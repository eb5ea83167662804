package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
)

const (
	shortIDLen    = 8
	listNameWidth = 32
)

var (
	copyURL bool

	listCmd = &cobra.Command{
		Use:     "list [QUERY]",
		Aliases: []string{"ls"},
		Short:   "List conversions, newest first",
		Long:    paragraph(fmt.Sprintf("\n%s your conversions. A query fuzzy-matches file names.", keyword("List"))),
		Args:    cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			records, err := a.pipeline.List(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				records = filterRecords(records, args[0])
			}
			writeList(cmd.OutOrStdout(), records, time.Now())
			return nil
		}),
	}

	showCmd = &cobra.Command{
		Use:   "show ID",
		Short: "Show one conversion",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			r, err := findRecord(ctx, a.pipeline, args[0])
			if err != nil {
				return err
			}
			url := ""
			if r.Status == conversion.StatusCompleted {
				if url, err = a.pipeline.Refresh(ctx, r.ID); err != nil {
					return err
				}
			}
			writeRecord(cmd.OutOrStdout(), r, url, time.Now())
			return nil
		}),
	}

	deleteCmd = &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a conversion and its files",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			r, err := findRecord(ctx, a.pipeline, args[0])
			if err != nil {
				return err
			}
			if err := a.pipeline.Delete(ctx, r.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", r.FileName, faint(r.ID))
			return nil
		}),
	}

	stopCmd = &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a conversion that is still running",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			r, err := findRecord(ctx, a.pipeline, args[0])
			if err != nil {
				return err
			}
			r, err = a.pipeline.Stop(ctx, r.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s %s\n", r.FileName, faint(r.ID))
			return nil
		}),
	}

	urlCmd = &cobra.Command{
		Use:   "url ID",
		Short: "Print a fresh signed URL for a narration",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			r, err := findRecord(ctx, a.pipeline, args[0])
			if err != nil {
				return err
			}
			url, err := a.pipeline.Refresh(ctx, r.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			if copyURL {
				if err := clipboard.WriteAll(url); err != nil {
					return fmt.Errorf("unable to copy to clipboard: %w", err)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), faint("copied to clipboard"))
			}
			return nil
		}),
	}
)

func init() {
	urlCmd.Flags().BoolVarP(&copyURL, "copy", "c", false, "copy the URL to the clipboard")
}

// withApp opens the app around a command.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(log.Default())
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck
		return fn(cmd.Context(), a, cmd, args)
	}
}

type recordFinder interface {
	Get(ctx context.Context, id string) (*conversion.Record, error)
	List(ctx context.Context) ([]conversion.Record, error)
}

// findRecord accepts a full id or a unique prefix of one.
func findRecord(ctx context.Context, f recordFinder, id string) (*conversion.Record, error) {
	r, err := f.Get(ctx, id)
	if err == nil || !pipeline.IsNotFound(err) {
		return r, err
	}

	records, lerr := f.List(ctx)
	if lerr != nil {
		return nil, lerr
	}
	var matches []conversion.Record
	for _, rec := range records {
		if strings.HasPrefix(rec.ID, id) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, err
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d conversions, use a longer id", id, len(matches))
	}
}

type recordNames []conversion.Record

func (r recordNames) String(i int) string { return r[i].FileName }
func (r recordNames) Len() int            { return len(r) }

// filterRecords keeps the records whose name fuzzy-matches query, best
// match first.
func filterRecords(records []conversion.Record, query string) []conversion.Record {
	matches := fuzzy.FindFrom(query, recordNames(records))
	out := make([]conversion.Record, 0, len(matches))
	for _, m := range matches {
		out = append(out, records[m.Index])
	}
	return out
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// statusText pads the status to width before styling it.
func statusText(r conversion.Record, width int) string {
	text := string(r.Status)
	if r.Status == conversion.StatusProcessing {
		text = fmt.Sprintf("%s %3.0f%%", r.Status, r.Analytics.Progress)
	}
	text = runewidth.FillRight(text, width)

	switch r.Status {
	case conversion.StatusCompleted:
		return keyword(text)
	case conversion.StatusError:
		return failure(text)
	default:
		return text
	}
}

func writeList(w io.Writer, records []conversion.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, faint("No conversions."))
		return
	}
	for _, r := range records {
		// names are padded by display width so wide runes stay aligned
		name := runewidth.FillRight(truncate.StringWithTail(r.FileName, listNameWidth, "…"), listNameWidth)
		fmt.Fprintf(w, "%-8s  %s  %s  %s\n",
			shortID(r.ID),
			name,
			statusText(r, 16),
			faint(humanize.RelTime(r.CreatedAt, now, "ago", "from now")),
		)
	}
}

func writeRecord(w io.Writer, r *conversion.Record, url string, now time.Time) {
	field := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%-10s %s\n", k+":", v)
		}
	}

	field("id", r.ID)
	field("name", r.FileName)
	field("source", string(r.SourceKind))
	if r.FileSize > 0 {
		field("size", humanize.Bytes(uint64(r.FileSize))) //nolint:gosec
	}
	field("status", statusText(*r, 0))
	field("stage", string(r.Analytics.Stage))
	field("voice", fmt.Sprintf("%s, %s, %.2gx", r.Options.Voice, r.Options.Quality, r.Options.Speed))
	if n := len(r.ExtractedText); n > 0 {
		field("text", fmt.Sprintf("%s characters in %d chunks", humanize.Comma(int64(n)), len(r.TextChunks)))
	}
	if r.Analytics.EstimatedSeconds > 0 {
		field("estimate", (time.Duration(r.Analytics.EstimatedSeconds) * time.Second).String())
	}
	if r.Analytics.ErrorCount > 0 {
		field("errors", humanize.Comma(int64(r.Analytics.ErrorCount)))
	}
	field("error", r.ErrorMessage)
	field("created", humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	if r.Analytics.CompletedAt != nil {
		field("completed", humanize.RelTime(*r.Analytics.CompletedAt, now, "ago", "from now"))
	}
	field("audio", url)
}
