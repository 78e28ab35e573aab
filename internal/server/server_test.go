package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/localwhisper/internal/audio"
	"github.com/chaz8081/localwhisper/internal/metrics"
	"github.com/chaz8081/localwhisper/internal/stream"
	"github.com/chaz8081/localwhisper/internal/transcribe"
)

type fakeController struct {
	mu         sync.Mutex
	initErr    error
	startErr   error
	stopErr    error
	final      *stream.Final
	snap       stream.Snapshot
	stopGate   chan struct{} // Stop waits on it when set
	stopping   chan struct{}
	stopCtxErr error // ctx.Err() seen by Stop once the gate opened
	uploads    [][]byte
	cancels    int
	subs       []chan stream.Snapshot
	backends   []string
}

func (f *fakeController) Initialize(_ context.Context, backend string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = append(f.backends, backend)
	if f.initErr == nil {
		f.snap.Status = stream.StatusReady
		f.snap.Backend = backend
	}
	return f.initErr
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr == nil {
		f.snap.Status = stream.StatusRecording
	}
	return f.startErr
}

func (f *fakeController) Stop(ctx context.Context) (*stream.Final, error) {
	if f.stopGate != nil {
		close(f.stopping)
		<-f.stopGate
		f.mu.Lock()
		f.stopCtxErr = ctx.Err()
		f.mu.Unlock()
	}
	return f.final, f.stopErr
}

func (f *fakeController) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.snap.Status = stream.StatusReady
}

func (f *fakeController) TranscribeFile(_ context.Context, encoded []byte) (*stream.Final, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, encoded)
	f.mu.Unlock()
	if _, err := audio.Decode(encoded); err != nil {
		return nil, err
	}
	return f.final, nil
}

func (f *fakeController) Snapshot() stream.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe() (<-chan stream.Snapshot, func()) {
	ch := make(chan stream.Snapshot, 4)
	ch <- f.Snapshot()
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeController) push(s stream.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- s
	}
}

func newTestServer(t *testing.T, ctrl *fakeController) *httptest.Server {
	t.Helper()
	s := New(ctrl, Options{Metrics: metrics.New(), MaxUpload: 1 << 20})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp.Body); body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{snap: stream.Snapshot{Status: stream.StatusReady, Backend: "whisper", Partial: "hel"}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	snap := decode[stream.Snapshot](t, resp.Body)
	if snap.Status != stream.StatusReady || snap.Backend != "whisper" || snap.Partial != "hel" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBackend(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	resp := post(t, srv.URL+"/api/backend", `{"backend":"groq"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if len(ctrl.backends) != 1 || ctrl.backends[0] != "groq" {
		t.Errorf("initialized backends = %v", ctrl.backends)
	}

	if resp := post(t, srv.URL+"/api/backend", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty backend status = %d, want 400", resp.StatusCode)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	ctrl := &fakeController{final: &stream.Final{
		SessionID: "abc",
		Backend:   "whisper",
		Result:    transcribe.Result{Text: "hello"},
		Metrics:   transcribe.PerformanceMetrics{TotalMs: 42},
		Duration:  1500 * time.Millisecond,
	}}
	srv := newTestServer(t, ctrl)

	resp := post(t, srv.URL+"/api/recording/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if snap := decode[stream.Snapshot](t, resp.Body); snap.Status != stream.StatusRecording {
		t.Errorf("status after start = %q", snap.Status)
	}

	resp = post(t, srv.URL+"/api/recording/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	body := decode[finalResponse](t, resp.Body)
	if body.Result.Text != "hello" || body.SessionID != "abc" || body.DurationS != 1.5 || body.Metrics.TotalMs != 42 {
		t.Errorf("final = %+v", body)
	}

	resp = post(t, srv.URL+"/api/recording/cancel", "")
	if resp.StatusCode != http.StatusOK || ctrl.cancels != 1 {
		t.Errorf("cancel status = %d, cancels = %d", resp.StatusCode, ctrl.cancels)
	}
}

func TestStopSurvivesClientDisconnect(t *testing.T) {
	ctrl := &fakeController{
		final:    &stream.Final{Backend: "whisper", Result: transcribe.Result{Text: "kept"}},
		stopGate: make(chan struct{}),
		stopping: make(chan struct{}),
	}
	s := New(ctrl, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/recording/stop", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	<-ctrl.stopping
	cancel()
	close(ctrl.stopGate)
	<-done

	ctrl.mu.Lock()
	ctxErr := ctrl.stopCtxErr
	ctrl.mu.Unlock()
	if ctxErr != nil {
		t.Errorf("final pass context error = %v, want nil after client cancel", ctxErr)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode[finalResponse](t, rec.Body); body.Result.Text != "kept" {
		t.Errorf("final = %+v", body)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	if resp := post(t, srv.URL+"/api/recording/stop", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no backend", transcribe.ErrBackendUnavailable, http.StatusConflict},
		{"device", fmt.Errorf("%w: denied", audio.ErrDeviceAccess), http.StatusServiceUnavailable},
		{"already recording", audio.ErrAlreadyRecording, http.StatusConflict},
		{"too short", fmt.Errorf("%w: 10ms", stream.ErrTooShort), http.StatusUnprocessableEntity},
		{"timeout", fmt.Errorf("%w after 1s", transcribe.ErrTimeout), http.StatusGatewayTimeout},
		{"inference", &transcribe.InferenceError{Backend: "groq", Err: errors.New("500")}, http.StatusBadGateway},
		{"decode", &audio.DecodeError{Reason: "empty input"}, http.StatusBadRequest},
		{"unknown backend", transcribe.ErrUnknownBackend, http.StatusBadRequest},
		{"busy", stream.ErrBusy, http.StatusConflict},
		{"other", errors.New("?"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestStartErrorResponse(t *testing.T) {
	srv := newTestServer(t, &fakeController{startErr: transcribe.ErrBackendUnavailable})

	resp := post(t, srv.URL+"/api/recording/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp.Body); !strings.Contains(body["error"], "no backend") {
		t.Errorf("error body = %v", body)
	}
}

func TestTranscribeUpload(t *testing.T) {
	ctrl := &fakeController{final: &stream.Final{Backend: "whisper", Result: transcribe.Result{Text: "uploaded"}}}
	srv := newTestServer(t, ctrl)

	wav, err := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/api/transcribe", "audio/wav", bytes.NewReader(wav))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode[finalResponse](t, resp.Body); body.Result.Text != "uploaded" {
		t.Errorf("final = %+v", body)
	}
	if len(ctrl.uploads) != 1 || !bytes.Equal(ctrl.uploads[0], wav) {
		t.Error("upload not passed through")
	}

	bad := post(t, srv.URL+"/api/transcribe", "not audio")
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage upload status = %d, want 400", bad.StatusCode)
	}
}

func TestTranscribeUploadTooLarge(t *testing.T) {
	ctrl := &fakeController{}
	srv := httptest.NewServer(New(ctrl, Options{MaxUpload: 1024}).Handler())
	defer srv.Close()

	resp := post(t, srv.URL+"/api/transcribe", strings.Repeat("x", 4096))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if len(ctrl.uploads) != 0 {
		t.Error("oversized upload reached the controller")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "localwhisper_recordings_total") {
		t.Error("/metrics should expose localwhisper collectors")
	}
}

func TestWebSocketStreamsSnapshots(t *testing.T) {
	ctrl := &fakeController{snap: stream.Snapshot{Status: stream.StatusReady}}
	srv := newTestServer(t, ctrl)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first stream.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first.Status != stream.StatusReady {
		t.Errorf("first status = %q", first.Status)
	}

	ctrl.push(stream.Snapshot{Status: stream.StatusRecording, Partial: "hi"})
	var next stream.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed snapshot: %v", err)
	}
	if next.Status != stream.StatusRecording || next.Partial != "hi" {
		t.Errorf("pushed snapshot = %+v", next)
	}
}
