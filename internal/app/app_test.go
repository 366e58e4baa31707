package app

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/exolabs/exobridge/internal/config"
	llmmock "github.com/exolabs/exobridge/pkg/provider/llm/mock"
	"github.com/exolabs/exobridge/pkg/provider/stt"
	sttmock "github.com/exolabs/exobridge/pkg/provider/stt/mock"
	"github.com/exolabs/exobridge/pkg/types"
)

func testApp(t *testing.T) (*App, *sttmock.Provider) {
	t.Helper()

	cfg := config.Default()
	cfg.ASR.BridgeEnabled = false

	sttProv := &sttmock.Provider{}
	providers := &Providers{
		STT: sttProv,
		LLM: &llmmock.Provider{Replies: []string{`{"intent": "unknown", "confidence": 0}`}},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, sttProv
}

// startApp runs the worker/consumer loops against an httptest server and
// returns the server's base URL.
func startApp(t *testing.T, a *App) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.runWorkers(ctx) }()

	srv := httptest.NewServer(a.server.Handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("workers: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("workers did not stop")
		}
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := a.Shutdown(shutCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return srv.URL
}

// runWorkers mirrors Run without the network listener, which the httptest
// server replaces.
func (a *App) runWorkers(ctx context.Context) error {
	errc := make(chan error, 3)
	n := 2
	go func() { errc <- ignoreCanceled(a.worker.Run(ctx)) }()
	go func() { errc <- ignoreCanceled(a.consumer.Run(ctx)) }()
	if a.bridge != nil {
		n++
		go func() { errc <- ignoreCanceled(a.bridge.Run(ctx)) }()
	}
	var first error
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func loudFrame() string {
	raw := make([]byte, 320)
	for i := 0; i < len(raw); i += 2 {
		binary.LittleEndian.PutUint16(raw[i:], uint16(int16(6000)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	a, _ := testApp(t)
	base := startApp(t, a)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMediaStreamToTranscriptAPI(t *testing.T) {
	a, sttProv := testApp(t)
	base := startApp(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	start := `{"event": "start", "start": {"stream_sid": "MZ1", "call_sid": "CA1", "account_sid": "AC1",` +
		` "media_format": {"encoding": "pcm16", "sample_rate": 8000}}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	// 600 ms of loud audio clears the warm-up buffer and opens a session.
	payload := loudFrame()
	for i := 1; i <= 30; i++ {
		media := fmt.Sprintf(`{"event": "media", "media": {"chunk": %d, "timestamp": %d, "payload": %q}}`,
			i, i*20, payload)
		if err := ws.Write(ctx, websocket.MessageText, []byte(media)); err != nil {
			t.Fatalf("write media %d: %v", i, err)
		}
	}

	var session *sttmock.Session
	for session == nil {
		if sessions := sttProv.Sessions(); len(sessions) > 0 {
			session = sessions[0]
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("stt session never opened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The consumer discovers the call by polling the registry, so keep
	// emitting until a line lands in the transcript API.
	var lines []types.Transcript
	for len(lines) == 0 {
		session.Emit(stt.Result{Text: "my router keeps rebooting", Kind: types.TranscriptFinal, Confidence: 0.9})

		resp, err := http.Get(base + "/calls/CA1/transcript")
		if err != nil {
			t.Fatalf("GET transcript: %v", err)
		}
		var body struct {
			Lines []types.Transcript `json:"lines"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		lines = body.Lines

		select {
		case <-ctx.Done():
			t.Fatal("transcript never reached the API")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if lines[0].Text != "my router keeps rebooting" {
		t.Fatalf("line = %+v", lines[0])
	}

	resp, err := http.Get(base + "/calls/active")
	if err != nil {
		t.Fatalf("GET active: %v", err)
	}
	var active struct {
		Calls []types.CallRegistryEntry `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	resp.Body.Close()
	if len(active.Calls) != 1 || active.Calls[0].InteractionID != "CA1" {
		t.Fatalf("active = %+v", active.Calls)
	}
}

func TestBridgeWiredWhenTenantsConfigured(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ASR.BridgeTenants = []string{"AC1"}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log, &Providers{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.bridge == nil {
		t.Fatal("bridge not constructed despite configured tenants")
	}

	// Without tenants the bridge stays off even when enabled.
	cfg2 := config.Default()
	b, err := New(context.Background(), cfg2, log, &Providers{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Shutdown(context.Background())
	if b.bridge != nil {
		t.Fatal("bridge constructed without tenants")
	}
}

func TestUnknownAdapterRejected(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.PubSub.Adapter = "carrier-pigeon"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), cfg, log, &Providers{STT: &sttmock.Provider{}}); err == nil {
		t.Fatal("expected an error for an unknown adapter")
	}
}

func TestMissingSTTProviderRejected(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(context.Background(), config.Default(), log, &Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("expected an error when no stt provider is configured")
	}
}

// A deployment without an LLM still streams raw transcripts; enrichment and
// summaries are simply absent.
func TestNilLLMProviderKeepsTranscriptsFlowing(t *testing.T) {
	cfg := config.Default()
	cfg.ASR.BridgeEnabled = false

	sttProv := &sttmock.Provider{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log, &Providers{STT: sttProv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := startApp(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	start := `{"event": "start", "start": {"stream_sid": "MZ2", "call_sid": "CA2", "account_sid": "AC1",` +
		` "media_format": {"encoding": "pcm16", "sample_rate": 8000}}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	payload := loudFrame()
	for i := 1; i <= 30; i++ {
		media := fmt.Sprintf(`{"event": "media", "media": {"chunk": %d, "timestamp": %d, "payload": %q}}`,
			i, i*20, payload)
		if err := ws.Write(ctx, websocket.MessageText, []byte(media)); err != nil {
			t.Fatalf("write media %d: %v", i, err)
		}
	}

	var session *sttmock.Session
	for session == nil {
		if sessions := sttProv.Sessions(); len(sessions) > 0 {
			session = sessions[0]
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("stt session never opened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A classifiable sentence must not panic the pipeline without an LLM.
	var lines []types.Transcript
	for len(lines) == 0 {
		session.Emit(stt.Result{Text: "my router keeps rebooting", Kind: types.TranscriptFinal, Confidence: 0.9})

		resp, err := http.Get(base + "/calls/CA2/transcript")
		if err != nil {
			t.Fatalf("GET transcript: %v", err)
		}
		var body struct {
			Lines []types.Transcript `json:"lines"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		lines = body.Lines

		select {
		case <-ctx.Done():
			t.Fatal("transcript never reached the API")
		case <-time.After(50 * time.Millisecond):
		}
	}

	// Summaries report unavailable rather than failing the process.
	resp, err := http.Post(base+"/calls/summary", "application/json",
		strings.NewReader(`{"callId": "CA2", "tenantId": "AC1"}`))
	if err != nil {
		t.Fatalf("POST summarize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("summarize status = %d, want 503", resp.StatusCode)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a, _ := testApp(t)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
