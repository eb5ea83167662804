package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/auth"
	"github.com/dgnsrekt/readaloud/internal/blob"
	"github.com/dgnsrekt/readaloud/internal/conversion"
	"github.com/dgnsrekt/readaloud/internal/extract"
	"github.com/dgnsrekt/readaloud/internal/pipeline"
	"github.com/dgnsrekt/readaloud/internal/retry"
	"github.com/dgnsrekt/readaloud/internal/store"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tasks"
	"github.com/spf13/afero"
)

var quiet = log.New(io.Discard)

func noSleep(context.Context, time.Duration) error { return nil }

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ extract.Input, onProgress extract.ProgressFunc) extract.Result {
	onProgress(100)
	return extract.Result{OK: true, Text: "Text from the document.", Pages: 1}
}

type testServer struct {
	srv    *Server
	ts     *httptest.Server
	events *tasks.EventBus
}

// newTestServer builds a server over in-memory stores. The worker only
// runs when work is true.
func newTestServer(t *testing.T, work bool) *testServer {
	t.Helper()

	records, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { records.Close() })

	blobs, err := blob.New(afero.NewMemMapFs(), "http://readaloud.test", []byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}

	bus := tasks.NewEventBus(0)
	tracker := tasks.NewTracker(bus)
	engine := synth.NewEngine(synth.NewMockProvider(), synth.Config{
		Retry: retry.Policy{Attempts: 3, Sleep: noSleep},
	}, synth.WithLogger(quiet))

	p, err := pipeline.New(pipeline.Deps{
		Records:   records,
		Blobs:     blobs,
		Session:   auth.NewSession(""),
		Extractor: stubExtractor{},
		Synth:     engine,
		Sink:      tracker,
	}, pipeline.Config{Retry: retry.Policy{Attempts: 2, Sleep: noSleep}}, pipeline.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Deps{Conversions: p, Blobs: blobs, Tracker: tracker, Events: bus}, Config{
		Tokens: map[string]string{"secret": "bob"},
	}, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if work {
		go srv.Work(ctx)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, events: bus}
}

func (s *testServer) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(auth.HeaderUser, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (s *testServer) submitText(t *testing.T, user, text string) CreateResponse {
	t.Helper()
	body, _ := json.Marshal(TextRequest{Text: text})
	resp := s.do(t, http.MethodPost, "/api/conversions", user, bytes.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	return decode[CreateResponse](t, resp)
}

func (s *testServer) waitFor(t *testing.T, user, id string, status conversion.Status) conversion.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := s.do(t, http.MethodGet, "/api/conversions/"+id, user, nil, "")
		rec := decode[conversion.Record](t, resp)
		if rec.Status == status {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never reached %s", id, status)
	return conversion.Record{}
}

func pdfForm(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.WriteField("voice", "onyx")
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	resp := s.do(t, http.MethodGet, "/health", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateText_RunsToCompletion(t *testing.T) {
	s := newTestServer(t, true)

	created := s.submitText(t, "alice", "Hello there. This is a short note.")
	if len(created.Conversions) != 1 || created.Conversions[0].RecordID == "" {
		t.Fatalf("unexpected response: %+v", created)
	}
	id := created.Conversions[0].RecordID

	rec := s.waitFor(t, "alice", id, conversion.StatusCompleted)
	if rec.AudioRef == "" || rec.Analytics.Progress != 100 {
		t.Errorf("completed record = %+v", rec)
	}

	// the signed URL is served by the blob route
	u, err := url.Parse(rec.AudioRef)
	if err != nil {
		t.Fatal(err)
	}
	resp := s.do(t, http.MethodGet, u.RequestURI(), "", nil, "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<audio:1>" {
		t.Errorf("blob = %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("content type = %q", ct)
	}

	resp = s.do(t, http.MethodPost, "/api/conversions/"+id+"/refresh", "alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("refresh status = %d", resp.StatusCode)
	}

	// the result event follows the record update
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = s.do(t, http.MethodGet, "/api/events?since=0", "alice", nil, "")
		events := decode[[]tasks.Event](t, resp)
		if len(events) > 0 && events[len(events)-1].Type == tasks.EventTypeResult {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result event: %+v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreatePDF(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        []byte
		wantStatus  int
		wantCode    string
	}{
		{"valid pdf", "application/pdf", []byte("%PDF-1.4"), http.StatusAccepted, ""},
		{"not a pdf", "text/plain", []byte("hello"), http.StatusBadRequest, string(extract.CodeInvalidFile)},
		{"empty pdf", "application/pdf", nil, http.StatusBadRequest, string(extract.CodeInvalidFile)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)
			body, ct := pdfForm(t, "doc.pdf", tt.contentType, tt.data)

			resp := s.do(t, http.MethodPost, "/api/conversions", "alice", body, ct)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			created := decode[CreateResponse](t, resp)
			if got := created.Conversions[0].Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}

			list := decode[[]conversion.Record](t, s.do(t, http.MethodGet, "/api/conversions", "alice", nil, ""))
			wantRecords := 0
			if tt.wantStatus == http.StatusAccepted {
				wantRecords = 1
				if list[0].Options.Voice != conversion.VoiceOnyx {
					t.Errorf("voice = %s", list[0].Options.Voice)
				}
			}
			if len(list) != wantRecords {
				t.Errorf("records = %d, want %d", len(list), wantRecords)
			}
		})
	}
}

func TestCreate_BadRequests(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantCode    string
	}{
		{"empty text", `{"text":"   "}`, "application/json", http.StatusBadRequest, CodeEmptyText},
		{"bad voice", `{"text":"hi","options":{"voice":"robot"}}`, "application/json", http.StatusBadRequest, CodeInvalidOptions},
		{"bad json", `{`, "application/json", http.StatusBadRequest, CodeBadRequest},
		{"wrong media type", `hi`, "text/plain", http.StatusUnsupportedMediaType, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/conversions", "alice", strings.NewReader(tt.body), tt.contentType)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var code string
			if resp.StatusCode == http.StatusBadRequest && tt.wantCode == CodeEmptyText {
				code = decode[CreateResponse](t, resp).Conversions[0].Code
			} else {
				code = decode[ErrorResponse](t, resp).Code
			}
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, false)

	if resp := s.do(t, http.MethodGet, "/api/conversions", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/api/conversions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer status = %d", resp.StatusCode)
	}
}

func TestOwnership(t *testing.T) {
	s := newTestServer(t, false)
	id := s.submitText(t, "alice", "Private words.").Conversions[0].RecordID

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/conversions/" + id},
		{http.MethodDelete, "/api/conversions/" + id},
		{http.MethodPost, "/api/conversions/" + id + "/stop"},
	} {
		if resp := s.do(t, tc.method, tc.path, "mallory", nil, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s as another user = %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestStopAndDeleteQueued(t *testing.T) {
	s := newTestServer(t, false)
	id := s.submitText(t, "alice", "Never read aloud.").Conversions[0].RecordID
	if n := s.srv.jobs.Size(); n != 1 {
		t.Fatalf("queued = %d", n)
	}

	resp := s.do(t, http.MethodPost, "/api/conversions/"+id+"/stop", "alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	rec := decode[conversion.Record](t, resp)
	if rec.Status != conversion.StatusError || rec.ErrorMessage != pipeline.StopMessage {
		t.Errorf("stopped record = %+v", rec)
	}
	if n := s.srv.jobs.Size(); n != 0 {
		t.Errorf("still queued: %d", n)
	}

	// finished records cannot be stopped or refreshed
	if resp := s.do(t, http.MethodPost, "/api/conversions/"+id+"/stop", "alice", nil, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/conversions/"+id+"/refresh", "alice", nil, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("refresh = %d", resp.StatusCode)
	}

	if resp := s.do(t, http.MethodDelete, "/api/conversions/"+id, "alice", nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/api/conversions/"+id, "alice", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestTasks(t *testing.T) {
	s := newTestServer(t, false)
	created := s.submitText(t, "alice", "Waiting in line.")
	s.submitText(t, "bob", "Someone else.")

	list := decode[[]conversion.Task](t, s.do(t, http.MethodGet, "/api/tasks", "alice", nil, ""))
	if len(list) != 1 || list[0].ID != created.Conversions[0].TaskID {
		t.Fatalf("tasks = %+v", list)
	}
	if list[0].Status != conversion.StatusPending {
		t.Errorf("status = %s", list[0].Status)
	}
}

func TestBlobSignature(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name string
		path string
	}{
		{"missing signature", "/blobs/audio/x/audio.mp3"},
		{"bad signature", "/blobs/audio/x/audio.mp3?expires=9999999999&sig=deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := s.do(t, http.MethodGet, tt.path, "", nil, ""); resp.StatusCode != http.StatusForbidden {
				t.Errorf("status = %d", resp.StatusCode)
			}
		})
	}
}
