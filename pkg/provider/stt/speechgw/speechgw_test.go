package speechgw_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/exolabs/exobridge/pkg/provider/stt"
	"github.com/exolabs/exobridge/pkg/provider/stt/speechgw"
	"github.com/exolabs/exobridge/pkg/types"
)

// gateway is a fake speech gateway. It mints tokens, accepts the streaming
// WebSocket, records every non-empty binary frame, and answers the first
// frame with a final transcript event.
type gateway struct {
	frames         chan []byte
	dropAfterStart bool
}

func newGateway(t *testing.T, g *gateway) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tokens", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("GET /v1/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"session.started"}`)); err != nil {
			return
		}
		if g.dropAfterStart {
			conn.Close(websocket.StatusInternalError, "gateway restart")
			return
		}

		answered := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary && len(data) > 0 {
				select {
				case g.frames <- data:
				default:
				}
				if !answered {
					answered = true
					_ = conn.Write(ctx, websocket.MessageText,
						[]byte(`{"type":"final","text":"hello world","confidence":0.95}`))
				}
			}
			if typ == websocket.MessageText {
				// session.close: nothing pending, close our side.
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// Callers bound StartStream with a short dial timeout and cancel it as soon
// as the handshake returns. The session must keep streaming regardless.
func TestSessionOutlivesDialContext(t *testing.T) {
	t.Parallel()

	g := &gateway{frames: make(chan []byte, 16)}
	srv := newGateway(t, g)

	p, err := speechgw.New(srv.URL, "key-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h, err := p.StartStream(dialCtx, stt.StreamConfig{SampleRate: 8000, InteractionID: "CA1"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	cancel()
	defer h.Close()

	chunk := make([]byte, 320)
	for i := 0; i < 5; i++ {
		if err := h.SendAudio(chunk); err != nil {
			t.Fatalf("SendAudio %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-g.frames:
		case <-time.After(5 * time.Second):
			t.Fatalf("gateway received %d frames, want 5", i)
		}
	}

	select {
	case r := <-h.Results():
		if r.Text != "hello world" || r.Kind != types.TranscriptFinal {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript after dial context cancellation")
	}
}

func TestSendAudioFailsWhenConnectionDies(t *testing.T) {
	t.Parallel()

	g := &gateway{frames: make(chan []byte, 16), dropAfterStart: true}
	srv := newGateway(t, g)

	p, err := speechgw.New(srv.URL, "key-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 8000, InteractionID: "CA2"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	chunk := make([]byte, 320)
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := h.SendAudio(chunk)
		if errors.Is(err, speechgw.ErrSessionClosed) {
			break
		}
		if err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("SendAudio kept accepting audio on a dead session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The reader exits with the connection, closing the results channel.
	for {
		select {
		case _, ok := <-h.Results():
			if !ok {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("results channel never closed")
		}
	}
}
