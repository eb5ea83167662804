package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/dgnsrekt/readaloud/internal/ui"
	"github.com/spf13/cobra"
)

var (
	dryRun        bool
	plain         bool
	stripMarkdown bool
	textInput     string

	convertCmd = &cobra.Command{
		Use:   "convert [FILE...]",
		Short: "Convert PDFs or text into narrated audio",
		Long: paragraph(fmt.Sprintf("\n%s PDFs or text into MP3 narrations, one after the other. "+
			"Use - or pipe into stdin to read text.", keyword("Convert"))),
		Example: paragraph("readaloud convert paper.pdf notes.txt\n" +
			"readaloud convert --text \"Hello there\" --voice onyx\n" +
			"pbpaste | readaloud convert -"),
		RunE: runConvert,
	}
)

func init() {
	convertCmd.Flags().StringVar(&textInput, "text", "", "text to convert")
	convertCmd.Flags().String("voice", "", "voice: alloy, echo, fable, onyx, nova or shimmer")
	convertCmd.Flags().String("quality", "", "bitrate: 128k, 256k or 320k")
	convertCmd.Flags().Float64("speed", 0, "speaking speed from 0.5 to 2.0")
	convertCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use placeholder audio instead of the speech provider")
	convertCmd.Flags().BoolVar(&plain, "plain", false, "print log lines instead of the progress view")
	convertCmd.Flags().BoolVarP(&stripMarkdown, "markdown", "m", false, "strip Markdown markup from text inputs before narrating")
}

// optionsFromFlags starts from the configured defaults and applies the
// flags the user set.
func optionsFromFlags(cmd *cobra.Command) (conversion.Options, error) {
	opts := cfg.Options()
	if cmd.Flags().Changed("voice") {
		s, _ := cmd.Flags().GetString("voice")
		v, err := conversion.ParseVoice(s)
		if err != nil {
			return opts, err
		}
		opts.Voice = v
	}
	if cmd.Flags().Changed("quality") {
		s, _ := cmd.Flags().GetString("quality")
		q, err := conversion.ParseQuality(s)
		if err != nil {
			return opts, err
		}
		opts.Quality = q
	}
	if cmd.Flags().Changed("speed") {
		opts.Speed, _ = cmd.Flags().GetFloat64("speed")
	}
	return opts, opts.Validate()
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

// textUnit submits raw text, with Markdown markup removed when
// --markdown is set.
func textUnit(data []byte, opts conversion.Options) pipeline.Unit {
	text := string(data)
	if stripMarkdown {
		text = extract.Markdown(data)
	}
	return pipeline.Unit{Text: &pipeline.TextInput{Text: text}, Options: opts}
}

// unitFromFile reads a PDF or a plain text file. Anything that is not
// text is submitted as a PDF and left to validation.
func unitFromFile(path string, opts conversion.Options) (pipeline.Unit, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Unit{}, "", fmt.Errorf("unable to read file: %w", err)
	}
	name := filepath.Base(path)

	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text", ".md", ".markdown":
		return textUnit(data, opts), name, nil
	}
	return pipeline.Unit{
		PDF: &pipeline.PDFInput{
			Name:        name,
			ContentType: http.DetectContentType(data),
			Data:        data,
		},
		Options: opts,
	}, name, nil
}

// collectUnits turns the arguments, --text and stdin into batch units.
func collectUnits(args []string, stdin io.Reader, piped bool, opts conversion.Options) ([]pipeline.Unit, []string, error) {
	var (
		units []pipeline.Unit
		names []string
	)
	addText := func(text []byte) {
		units = append(units, textUnit(text, opts))
		names = append(names, pipeline.TextFileName)
	}

	readStdin := piped && len(args) == 0 && textInput == ""
	for _, arg := range args {
		if arg == "-" {
			readStdin = true
			continue
		}
		u, name, err := unitFromFile(arg, opts)
		if err != nil {
			return nil, nil, err
		}
		units = append(units, u)
		names = append(names, name)
	}
	if textInput != "" {
		addText([]byte(textInput))
	}
	if readStdin {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to read from stdin: %w", err)
		}
		addText(b)
	}

	if len(units) == 0 {
		return nil, nil, errors.New("nothing to convert: pass files, --text or pipe text into stdin")
	}
	return units, names, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}
	piped, err := stdinIsPipe()
	if err != nil {
		return err
	}
	units, names, err := collectUnits(args, os.Stdin, piped, opts)
	if err != nil {
		return err
	}

	interactive := isTerminal() && !plain
	logger := log.Default()
	if !interactive {
		logger = stderrLogger("convert")
	}

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	var outcomes []pipeline.Outcome
	work := func(ctx context.Context) error {
		outcomes = a.pipeline.RunBatch(ctx, units)
		return ctx.Err()
	}

	if interactive {
		final, err := tea.NewProgram(ui.NewProgress(cmd.Context(), a.bus, work)).Run()
		if err != nil {
			return fmt.Errorf("unable to run tui program: %w", err)
		}
		if p, ok := final.(ui.Progress); ok && p.Cancelled() {
			fmt.Fprintln(os.Stderr, faint("stopped"))
		}
	} else {
		events, unsubscribe := a.bus.Subscribe(256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			logEvents(logger, events)
		}()
		_ = work(cmd.Context())
		unsubscribe()
		<-done
	}

	return printOutcomes(cmd.OutOrStdout(), names, outcomes)
}

// logEvents writes one log line per status change until events closes.
func logEvents(logger *log.Logger, events <-chan tasks.Event) {
	for e := range events {
		switch e.Type {
		case tasks.EventTypeStatus:
			logger.Info(string(e.Status), "task", e.TaskID, "record", e.RecordID, "stage", e.Message)
		case tasks.EventTypeProgress:
			logger.Debug("progress", "record", e.RecordID, "percent", fmt.Sprintf("%.0f", e.Progress))
		case tasks.EventTypeResult:
			logger.Info("completed", "record", e.RecordID)
		case tasks.EventTypeError:
			logger.Error("failed", "record", e.RecordID, "err", e.Message)
		}
	}
}

func printOutcomes(w io.Writer, names []string, outcomes []pipeline.Outcome) error {
	failed := 0
	for i, o := range outcomes {
		name := names[i]
		switch {
		case o.OK():
			fmt.Fprintf(w, "%s %s %s\n", keyword("✓"), name, faint(o.RecordID))
		default:
			failed++
			msg := "failed"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			fmt.Fprintf(w, "%s %s %s\n", failure("✗"), name, failure(msg))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d conversions failed", failed, len(outcomes))
	}
	return nil
}
