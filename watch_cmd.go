package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/queue"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	watchExisting bool
	watchSettle   time.Duration

	watchCmd = &cobra.Command{
		Use:   "watch DIR",
		Short: "Convert PDFs as they appear in a directory",
		Long: paragraph(fmt.Sprintf("\n%s a directory and convert every PDF that is added to it, "+
			"one at a time.", keyword("Watch"))),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := optionsFromFlags(cmd)
			if err != nil {
				return err
			}
			logger := stderrLogger("watch")
			a, err := openApp(logger)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			w := &dirWatcher{
				dir:      args[0],
				settle:   watchSettle,
				existing: watchExisting,
				logger:   logger,
				submit: func(ctx context.Context, path string) error {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("unable to read file: %w", err)
					}
					out := a.pipeline.SubmitPDF(ctx, pipeline.PDFInput{
						Name:        filepath.Base(path),
						ContentType: http.DetectContentType(data),
						Data:        data,
					}, opts)
					if out.Err != nil {
						return out.Err
					}
					logger.Info("converted", "file", filepath.Base(path), "record", out.RecordID)
					return nil
				},
			}
			return w.Run(cmd.Context())
		},
	}
)

func init() {
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "also convert the PDFs already in the directory")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 2*time.Second, "wait this long after the last write before converting")
	watchCmd.Flags().String("voice", "", "voice: alloy, echo, fable, onyx, nova or shimmer")
	watchCmd.Flags().String("quality", "", "bitrate: 128k, 256k or 320k")
	watchCmd.Flags().Float64("speed", 0, "speaking speed from 0.5 to 2.0")
}

// isPDFName reports whether a file looks like a PDF worth converting.
// Hidden and partial downloads are skipped.
func isPDFName(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// dirWatcher submits PDFs written to dir once their writes settle. Files
// are converted one at a time in the order they settled.
type dirWatcher struct {
	dir      string
	settle   time.Duration
	existing bool
	submit   func(ctx context.Context, path string) error
	logger   *log.Logger

	// seen is owned by the worker goroutine.
	seen map[string]time.Time
}

// Run watches until ctx is done.
func (w *dirWatcher) Run(ctx context.Context) error {
	if w.logger == nil {
		w.logger = log.Default()
	}
	w.seen = make(map[string]time.Time)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("unable to watch %s: %w", w.dir, err)
	}

	files := queue.New[string](0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx, files)
	}()
	defer func() {
		_ = files.Close()
		wg.Wait()
	}()

	if w.existing {
		matches, _ := filepath.Glob(filepath.Join(w.dir, "*"))
		for _, m := range matches {
			if isPDFName(m) {
				_ = files.Push(m)
			}
		}
	}

	settled := make(chan string)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	w.logger.Info("watching", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isPDFName(ev.Name) || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			if t, ok := pending[ev.Name]; ok {
				t.Reset(w.settle)
				continue
			}
			name := ev.Name
			pending[name] = time.AfterFunc(w.settle, func() {
				select {
				case settled <- name:
				case <-ctx.Done():
				}
			})

		case name := <-settled:
			delete(pending, name)
			if err := files.Push(name); err != nil {
				w.logger.Warn("dropped file", "file", name, "err", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *dirWatcher) work(ctx context.Context, files *queue.Queue[string]) {
	for {
		path, err := files.Pop(ctx)
		if err != nil {
			return
		}

		info, err := os.Stat(path)
		if err != nil {
			w.logger.Debug("file vanished", "file", path)
			continue
		}
		if mod, ok := w.seen[path]; ok && mod.Equal(info.ModTime()) {
			continue
		}
		w.seen[path] = info.ModTime()

		w.logger.Info("converting", "file", filepath.Base(path), "waiting", files.Size())
		if err := w.submit(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("conversion failed", "file", filepath.Base(path), "err", err)
		}
	}
}
