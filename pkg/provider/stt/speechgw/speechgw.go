// Package speechgw provides an STT provider backed by a streaming speech
// gateway that uses short-lived single-use tokens. It implements the
// stt.Provider interface.
//
// Session setup: POST the API key to the gateway's token endpoint to mint a
// single-use token, dial the streaming WebSocket with that token, then wait
// for the gateway's session.started event. Audio is sent as raw binary PCM16
// frames (never base64 re-encoded); a zero-length keepalive goes out every
// three seconds when no audio is flowing.
package speechgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/exolabs/exobridge/pkg/provider/stt"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	defaultLanguage  = "en"
	keepAliveEvery   = 3 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithHTTPClient overrides the HTTP client used for token minting.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider against the speech gateway streaming API.
type Provider struct {
	baseURL    string
	apiKey     string
	language   string
	httpClient *http.Client
}

// New creates a Provider. baseURL is the gateway root (e.g.,
// "https://speech.example.com"); apiKey must be non-empty.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("speechgw: baseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("speechgw: apiKey must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session: mint a token, dial
// the WebSocket, and wait for session.started before returning.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	token, err := p.mintToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("speechgw: mint token: %w", err)
	}

	wsURL, err := p.buildStreamURL(cfg, token)
	if err != nil {
		return nil, fmt.Errorf("speechgw: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("speechgw: dial: %w", err)
	}
	// Transcript events for long calls can be sizeable.
	conn.SetReadLimit(1 << 20)

	if err := awaitSessionStarted(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, fmt.Errorf("speechgw: handshake: %w", err)
	}

	// ctx only bounds session setup. Callers routinely pass a short-lived
	// dial context; the read and write loops must keep running until the
	// session itself is closed, so they get their own context detached from
	// ctx's cancellation.
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:    conn,
		cancel:  loopCancel,
		results: make(chan stt.Result, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// mintToken creates a single-use short-lived streaming token.
func (p *Provider) mintToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"ttl": "60s"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.Token == "" {
		return "", errors.New("token endpoint returned empty token")
	}
	return tok.Token, nil
}

// buildStreamURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig, token string) (string, error) {
	u, err := url.Parse(p.baseURL + "/v1/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("token", token)
	q.Set("encoding", types.EncodingPCM16)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("language", lang)
	if cfg.InteractionID != "" {
		q.Set("interaction_id", cfg.InteractionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitSessionStarted blocks until the gateway confirms the session.
func awaitSessionStarted(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, msg, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return fmt.Errorf("decode handshake event: %w", err)
	}
	if ev.Type != "session.started" {
		return fmt.Errorf("unexpected handshake event %q", ev.Type)
	}
	return nil
}

// ---- session ----

// gatewayEvent is the JSON structure of a transcript event from the gateway.
type gatewayEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ErrSessionClosed is returned by SendAudio once the session is closed or its
// gateway connection has died.
var ErrSessionClosed = errors.New("speechgw: session is closed")

// session is a live gateway streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan stt.Result
	audio   chan []byte

	// done is closed by Close or by either loop exiting on a dead
	// connection, so SendAudio fails instead of filling a channel nobody
	// drains.
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// SendAudio queues a PCM16 chunk for delivery to the gateway.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Results returns the channel of transcription events.
func (s *session) Results() <-chan stt.Result { return s.results }

// closeGrace bounds how long Close waits for the gateway to flush trailing
// transcripts and close its side.
const closeGrace = 5 * time.Second

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markDone()
		// Ask the gateway to flush pending audio before the close frame.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(flushCtx, websocket.MessageText, []byte(`{"type":"session.close"}`))
		flushCancel()

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(closeGrace):
			s.cancel()
			<-drained
		}
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary frames to the
// gateway. When no audio flows for keepAliveEvery, a zero-length control
// frame keeps the session open.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.markDone()

	keepalive := time.NewTicker(keepAliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			keepalive.Reset(keepAliveEvery)
		case <-keepalive.C:
			if err := s.conn.Write(ctx, websocket.MessageBinary, nil); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON events from the gateway and dispatches transcripts
// to the results channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	defer s.markDone()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		r, ok := parseEvent(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- r:
		case <-s.done:
		}
	}
}

// parseEvent parses a raw gateway message into a Result. Returns
// (Result, true) on success, or (zero, false) if the message should be ignored.
func parseEvent(data []byte) (stt.Result, bool) {
	var ev gatewayEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return stt.Result{}, false
	}

	var kind types.TranscriptKind
	switch ev.Type {
	case "partial":
		kind = types.TranscriptPartial
	case "final":
		kind = types.TranscriptFinal
	default:
		return stt.Result{}, false
	}

	speaker := types.SpeakerUnknown
	switch ev.Speaker {
	case "agent":
		speaker = types.SpeakerAgent
	case "customer":
		speaker = types.SpeakerCustomer
	}

	return stt.Result{
		Text:       ev.Text,
		Kind:       kind,
		Speaker:    speaker,
		Confidence: ev.Confidence,
	}, true
}
