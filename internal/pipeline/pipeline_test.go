package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/retry"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/spf13/afero"
)

func noSleep(context.Context, time.Duration) error { return nil }

var quiet = log.New(io.Discard)

// scriptedExtractor returns a fixed result after reporting progress.
type scriptedExtractor struct {
	result extract.Result
	calls  int
}

func (s *scriptedExtractor) Extract(_ context.Context, _ extract.Input, onProgress extract.ProgressFunc) extract.Result {
	s.calls++
	for _, p := range []float64{10, 40, 100} {
		onProgress(p)
	}
	return s.result
}

type testEnv struct {
	p        *Pipeline
	records  *store.Store
	blobs    *blob.Store
	session  *auth.Session
	tracker  *tasks.Tracker
	bus      *tasks.EventBus
	provider *synth.MockProvider
}

func newTestEnv(t *testing.T, ext TextExtractor, engine Synthesizer) *testEnv {
	t.Helper()

	records, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { records.Close() })

	blobs, err := blob.New(afero.NewMemMapFs(), "http://localhost:8080", []byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		records:  records,
		blobs:    blobs,
		session:  auth.NewSession("alice"),
		bus:      tasks.NewEventBus(0),
		provider: synth.NewMockProvider(),
	}
	env.tracker = tasks.NewTracker(env.bus)

	if ext == nil {
		ext = &scriptedExtractor{result: extract.Result{OK: true, Text: "Extracted text. It has two sentences."}}
	}
	if engine == nil {
		engine = synth.NewEngine(env.provider, synth.Config{
			Retry: retry.Policy{Attempts: 3, Sleep: noSleep},
		}, synth.WithLogger(quiet))
	}

	env.p, err = New(Deps{
		Records:   records,
		Blobs:     blobs,
		Session:   env.session,
		Extractor: ext,
		Synth:     engine,
		Sink:      env.tracker,
	}, Config{Retry: retry.Policy{Attempts: 3, Sleep: noSleep}}, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) audio(t *testing.T, id string) string {
	t.Helper()
	data, _, err := e.blobs.Read(context.Background(), blob.AudioPath(id, "mp3"))
	if err != nil {
		t.Fatalf("audio for %s: %v", id, err)
	}
	return string(data)
}

// taskProgress returns the progress published for taskID, in order.
func (e *testEnv) taskProgress(taskID string) []float64 {
	var out []float64
	for _, ev := range e.bus.Since(0) {
		if ev.TaskID == taskID {
			out = append(out, ev.Progress)
		}
	}
	return out
}

func assertNonDecreasing(t *testing.T, values []float64) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress decreased: %v", values)
		}
	}
}

func pdfInput(name string) PDFInput {
	return PDFInput{Name: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Error("expected an error for missing collaborators")
	}
}

func TestSubmitText_NineThousandCharacters(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.p.synth = synth.NewEngine(env.provider, synth.Config{
		ChunkDelay: 20 * time.Millisecond,
		Retry:      retry.Policy{Attempts: 3, Sleep: noSleep},
	}, synth.WithLogger(quiet))

	text := strings.TrimSpace(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200))
	if len(text) < 8990 {
		t.Fatalf("fixture too short: %d", len(text))
	}

	start := time.Now()
	out := env.p.SubmitText(context.Background(), TextInput{Text: text}, conversion.Options{})
	elapsed := time.Since(start)

	if !out.OK() {
		t.Fatalf("outcome = %+v", out)
	}
	if calls := env.provider.Calls(); calls != 3 {
		t.Errorf("provider calls = %d, want 3", calls)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("chunk requests were not spaced: %v", elapsed)
	}
	for i, req := range env.provider.Requests() {
		if len(req.Text) > 4000 {
			t.Errorf("chunk %d has %d chars", i, len(req.Text))
		}
		if !strings.HasSuffix(req.Text, "dog.") {
			t.Errorf("chunk %d does not end on a sentence: %q", i, req.Text[len(req.Text)-10:])
		}
		if req.Voice != conversion.VoiceNova || req.Speed != 1.0 {
			t.Errorf("chunk %d used %s at %v", i, req.Voice, req.Speed)
		}
	}

	rec, err := env.records.Get(context.Background(), out.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != conversion.StatusCompleted || rec.Analytics.Progress != 100 || rec.AudioRef == "" {
		t.Errorf("unexpected record: status=%s progress=%v audio=%q", rec.Status, rec.Analytics.Progress, rec.AudioRef)
	}
	if rec.SourceKind != conversion.SourceText || rec.FileName != TextFileName || rec.FileSize != 0 {
		t.Errorf("unexpected source fields: %+v", rec)
	}
	if len(rec.TextChunks) != 3 || rec.ExtractedText != text {
		t.Errorf("text not persisted: %d chunks", len(rec.TextChunks))
	}
	if rec.Analytics.CompletedAt == nil {
		t.Error("completion time not recorded")
	}
	if rec.AudioRef != out.AudioRef {
		t.Errorf("audio ref %q != outcome %q", rec.AudioRef, out.AudioRef)
	}
	if got := env.audio(t, rec.ID); got != "<audio:1><audio:2><audio:3>" {
		t.Errorf("audio = %q", got)
	}

	progress := env.taskProgress(out.TaskID)
	assertNonDecreasing(t, progress)
	if progress[len(progress)-1] != 100 {
		t.Errorf("final progress = %v", progress)
	}
}

// scannedOCR times out twice and then reads the page.
type scannedOCR struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (o *scannedOCR) Load(context.Context, string) error { return nil }
func (o *scannedOCR) Terminate() error { return nil }

func (o *scannedOCR) Recognize(ctx context.Context, _ []byte) (string, error) {
	o.mu.Lock()
	o.calls++
	n := o.calls
	o.mu.Unlock()

	if n <= 2 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return o.text, nil
}

type emptyTextLayer struct{}

func (emptyTextLayer) Text(context.Context, []byte) (string, error) { return "", nil }

type onePage struct{}

func (onePage) PageCount(context.Context, []byte) (int, error) { return 1, nil }
func (onePage) Render(context.Context, []byte, int) ([]byte, error) { return []byte("png"), nil }

func TestSubmitPDF_ScannedDocument(t *testing.T) {
	ocr := &scannedOCR{text: "This page was scanned. The recognised text is long enough to narrate."}
	ext := extract.New(emptyTextLayer{}, onePage{}, func() extract.OCREngine { return ocr }, extract.Config{
		OCRRetry: retry.Policy{Attempts: 3, Timeout: 20 * time.Millisecond, Sleep: noSleep},
	}, quiet)
	env := newTestEnv(t, ext, nil)

	out := env.p.SubmitPDF(context.Background(), pdfInput("scan.pdf"), conversion.DefaultOptions())
	if !out.OK() {
		t.Fatalf("outcome = %+v", out)
	}
	if ocr.calls != 3 {
		t.Errorf("OCR attempts = %d, want 3", ocr.calls)
	}

	rec, _ := env.records.Get(context.Background(), out.RecordID)
	if rec.ExtractedText != ocr.text {
		t.Errorf("extracted text = %q", rec.ExtractedText)
	}
	if rec.Status != conversion.StatusCompleted {
		t.Errorf("status = %s", rec.Status)
	}
	if _, meta, err := env.blobs.Read(context.Background(), blob.PDFPath(rec.ID, "scan.pdf")); err != nil || meta.ContentType != "application/pdf" || meta.CacheControl != "3600" {
		t.Errorf("source not stored: %+v, %v", meta, err)
	}
	if env.provider.Calls() != 1 {
		t.Errorf("provider calls = %d", env.provider.Calls())
	}

	progress := env.taskProgress(out.TaskID)
	assertNonDecreasing(t, progress)
	if progress[len(progress)-1] != 100 {
		t.Errorf("final progress = %v", progress)
	}
}

func TestSubmitPDF_InvalidFileTouchesNothing(t *testing.T) {
	ext := &scriptedExtractor{}
	env := newTestEnv(t, ext, nil)

	inputs := map[string]PDFInput{
		"wrong type": {Name: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
		"empty":      {Name: "a.pdf", ContentType: "application/pdf"},
		"too large":  {Name: "a.pdf", ContentType: "application/pdf", Data: make([]byte, extract.MaxFileSize+1)},
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			out := env.p.SubmitPDF(context.Background(), in, conversion.DefaultOptions())

			var xerr *extract.Error
			if !errors.As(out.Err, &xerr) || xerr.Code != extract.CodeInvalidFile {
				t.Fatalf("expected INVALID_FILE, got %v", out.Err)
			}
			if out.RecordID != "" {
				t.Error("a record was created")
			}
			task, _ := env.tracker.Get(out.TaskID)
			if task.Status != conversion.StatusError || task.Error == "" {
				t.Errorf("task = %+v", task)
			}
		})
	}

	records, _ := env.records.ListByUser(context.Background(), "alice")
	if len(records) != 0 || ext.calls != 0 || env.provider.Calls() != 0 {
		t.Errorf("collaborators called: records=%d extract=%d synth=%d", len(records), ext.calls, env.provider.Calls())
	}
}

func TestSubmitPDF_ExtractionFailure(t *testing.T) {
	ext := &scriptedExtractor{result: extract.Result{
		Code:    extract.CodeOCRFailed,
		Message: "Could not extract sufficient text from the PDF, even with OCR",
	}}
	env := newTestEnv(t, ext, nil)

	out := env.p.SubmitPDF(context.Background(), pdfInput("blank.pdf"), conversion.DefaultOptions())
	if out.OK() || out.RecordID == "" {
		t.Fatalf("outcome = %+v", out)
	}

	rec, _ := env.records.Get(context.Background(), out.RecordID)
	if rec.Status != conversion.StatusError || rec.ErrorMessage != ext.result.Message {
		t.Errorf("record = %s %q", rec.Status, rec.ErrorMessage)
	}
	if rec.Analytics.ErrorCount != 1 || rec.Analytics.Progress >= 100 {
		t.Errorf("analytics = %+v", rec.Analytics)
	}
	if env.provider.Calls() != 0 {
		t.Errorf("synthesis ran after failed extraction")
	}
	assertNonDecreasing(t, env.taskProgress(out.TaskID))
}

func TestSubmitText_SynthesisFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.provider.Failures = map[string]int{"Doomed sentence.": 3}

	out := env.p.SubmitText(context.Background(), TextInput{Text: "Doomed sentence."}, conversion.DefaultOptions())
	if out.Status != conversion.StatusError {
		t.Fatalf("outcome = %+v", out)
	}
	var chunkErr *synth.ChunkError
	if !errors.As(out.Err, &chunkErr) || chunkErr.Attempts != 3 {
		t.Errorf("err = %v", out.Err)
	}

	rec, _ := env.records.Get(context.Background(), out.RecordID)
	if rec.Status != conversion.StatusError || !strings.Contains(rec.ErrorMessage, "after 3 attempts") {
		t.Errorf("record = %s %q", rec.Status, rec.ErrorMessage)
	}
	if rec.AudioRef != "" {
		t.Error("failed record has audio")
	}
	if _, _, err := env.blobs.Read(context.Background(), blob.AudioPath(rec.ID, "mp3")); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("partial audio stored: %v", err)
	}
}

func TestSubmit_RequiresActor(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.session.SignOut()

	out := env.p.SubmitText(context.Background(), TextInput{Text: "Hello there."}, conversion.DefaultOptions())
	if !errors.Is(out.Err, auth.ErrUnauthenticated) || out.RecordID != "" {
		t.Fatalf("outcome = %+v", out)
	}
	if env.provider.Calls() != 0 {
		t.Error("synthesis ran without an actor")
	}
}

func TestSubmitText_Empty(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	out := env.p.SubmitText(context.Background(), TextInput{Text: "  \n "}, conversion.DefaultOptions())
	if !errors.Is(out.Err, ErrEmptyText) || out.RecordID != "" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestPrepareText_RunsLater(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	job, err := env.p.PrepareText(ctx, TextInput{Text: "Queued for later."}, conversion.Options{})
	if err != nil {
		t.Fatalf("PrepareText: %v", err)
	}
	rec, err := env.records.Get(ctx, job.RecordID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != conversion.StatusPending {
		t.Errorf("status before run = %s", rec.Status)
	}
	if env.provider.Calls() != 0 {
		t.Error("synthesis ran before Run")
	}

	out := job.Run(ctx)
	if !out.OK() || out.RecordID != job.RecordID() || out.TaskID != job.TaskID() {
		t.Fatalf("outcome = %+v", out)
	}
	if got := env.audio(t, job.RecordID()); got != "<audio:1>" {
		t.Errorf("audio = %q", got)
	}
}

func TestPreparePDF_InvalidFile(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.p.PreparePDF(context.Background(), PDFInput{Name: "notes.txt", Data: []byte("x")}, conversion.Options{})
	var xerr *extract.Error
	if !errors.As(err, &xerr) || xerr.Code != extract.CodeInvalidFile {
		t.Fatalf("expected INVALID_FILE, got %v", err)
	}
	recs, _ := env.records.ListByUser(context.Background(), "alice")
	if len(recs) != 0 {
		t.Errorf("created %d records", len(recs))
	}
}

// stoppingSynth stops the conversion while it is being synthesized.
type stoppingSynth struct {
	env *testEnv
}

func (s *stoppingSynth) Synthesize(ctx context.Context, _ string, _ conversion.Options, onProgress func(float64)) (*synth.Asset, error) {
	records, _ := s.env.records.ListByUser(context.Background(), "alice")
	if _, err := s.env.p.Stop(context.Background(), records[0].ID); err != nil {
		return nil, err
	}
	onProgress(50)
	return &synth.Asset{Data: []byte("late"), Format: synth.FormatMP3, ContentType: "audio/mpeg"}, nil
}

func TestStop_DuringSynthesis(t *testing.T) {
	s := &stoppingSynth{}
	env := newTestEnv(t, nil, s)
	s.env = env

	out := env.p.SubmitText(context.Background(), TextInput{Text: "Please stop me."}, conversion.DefaultOptions())
	if !errors.Is(out.Err, ErrStopped) {
		t.Fatalf("outcome = %+v", out)
	}

	rec, _ := env.records.Get(context.Background(), out.RecordID)
	if rec.Status != conversion.StatusError || rec.ErrorMessage != StopMessage {
		t.Errorf("record = %s %q", rec.Status, rec.ErrorMessage)
	}
	if rec.Analytics.ErrorCount != 0 || rec.AudioRef != "" {
		t.Errorf("stopped record was overwritten: %+v", rec)
	}
	if _, _, err := env.blobs.Read(context.Background(), blob.AudioPath(rec.ID, "mp3")); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("audio uploaded after stop: %v", err)
	}
	task, _ := env.tracker.Get(out.TaskID)
	if task.Status != conversion.StatusError || task.Error != StopMessage {
		t.Errorf("task = %+v", task)
	}
}

func TestStop_FinishedRecord(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	out := env.p.SubmitText(context.Background(), TextInput{Text: "Short one."}, conversion.DefaultOptions())

	if _, err := env.p.Stop(context.Background(), out.RecordID); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	rec, _ := env.records.Get(context.Background(), out.RecordID)
	if rec.Status != conversion.StatusCompleted {
		t.Errorf("completed record changed to %s", rec.Status)
	}
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	bad := PDFInput{Name: "notes.txt", ContentType: "text/plain", Data: []byte("x")}
	good := pdfInput("paper.pdf")

	outcomes := env.p.RunBatch(context.Background(), []Unit{
		{Text: &TextInput{Text: "First unit."}},
		{PDF: &bad},
		{PDF: &good},
		{},
	})

	want := []bool{true, false, true, false}
	if len(outcomes) != len(want) {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i, ok := range want {
		if outcomes[i].OK() != ok {
			t.Errorf("unit %d: OK = %v, outcome %+v", i, outcomes[i].OK(), outcomes[i])
		}
	}

	records, _ := env.records.ListByUser(context.Background(), "alice")
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
	if outcomes[0].RecordID == outcomes[2].RecordID {
		t.Error("units share a record")
	}
}

func TestRunBatch_Cancelled(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := env.p.RunBatch(ctx, []Unit{{Text: &TextInput{Text: "Never runs."}}})
	if !errors.Is(outcomes[0].Err, context.Canceled) {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	out := env.p.SubmitPDF(ctx, pdfInput("paper.pdf"), conversion.DefaultOptions())
	if !out.OK() {
		t.Fatal(out.Err)
	}

	env.session.SignIn("mallory")
	if err := env.p.Delete(ctx, out.RecordID); !IsNotFound(err) {
		t.Errorf("other user deleted the record: %v", err)
	}
	env.session.SignIn("alice")

	if err := env.p.Delete(ctx, out.RecordID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.records.Get(ctx, out.RecordID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
	for _, p := range []string{blob.AudioPath(out.RecordID, "mp3"), blob.PDFPath(out.RecordID, "paper.pdf")} {
		if _, _, err := env.blobs.Read(ctx, p); !errors.Is(err, blob.ErrNotFound) {
			t.Errorf("%s still present: %v", p, err)
		}
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	out := env.p.SubmitText(ctx, TextInput{Text: "Play me later."}, conversion.DefaultOptions())

	url, err := env.p.Refresh(ctx, out.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	p, err := env.blobs.PathFromURL(url)
	if err != nil || p != blob.AudioPath(out.RecordID, "mp3") {
		t.Errorf("refreshed URL points at %q: %v", p, err)
	}

	env.p.extractor = &scriptedExtractor{result: extract.Result{Code: extract.CodeOCRFailed, Message: "nope"}}
	failed := env.p.SubmitPDF(ctx, pdfInput("y.pdf"), conversion.DefaultOptions())
	if _, err := env.p.Refresh(ctx, failed.RecordID); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("expected ErrNotCompleted, got %v", err)
	}
}

// flakyRecords fails the first Update calls with a transient error.
type flakyRecords struct {
	*store.Store
	failures int
	calls    int
}

func (f *flakyRecords) Update(ctx context.Context, id string, p conversion.Patch) (*conversion.Record, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	return f.Store.Update(ctx, id, p)
}

func TestStorageCallsAreRetried(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	flaky := &flakyRecords{Store: env.records, failures: 2}
	env.p.records = flaky

	out := env.p.SubmitText(context.Background(), TextInput{Text: "Retry the store."}, conversion.DefaultOptions())
	if !out.OK() {
		t.Fatalf("outcome = %+v", out)
	}
	if flaky.calls < 3 {
		t.Errorf("update calls = %d", flaky.calls)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset"), true},
		{store.ErrTerminal, false},
		{store.ErrNotFound, false},
		{auth.ErrUnauthenticated, false},
		{conversion.ErrCompletedWithoutAudio, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := Transient(tt.err); got != tt.want {
			t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
