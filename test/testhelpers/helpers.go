// Package testhelpers provides common utilities and helper functions for testing the chat server.
//
// It starts complete session servers behind httptest, dials them with the
// gorilla client and speaks the JSON envelope protocol so integration tests
// stay short.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Lina4Life/passionart-sub000/internal/config"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
	"github.com/Lina4Life/passionart-sub000/internal/server"
	"github.com/Lina4Life/passionart-sub000/internal/store"
)

// TestOrigin is the origin every helper connection presents. It is allowed
// by the default configuration.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every helper read.
const ReadTimeout = 2 * time.Second

// Env is a running chat server under test.
type Env struct {
	Session *server.SessionServer
	HTTP    *httptest.Server
	Store   store.Backend
	WSURL   string
}

// StartServer runs a session server with an in-memory store behind an
// httptest server. customize may adjust the configuration before start. The
// server is shut down when the test ends.
func StartServer(t *testing.T, customize func(cfg *config.Config)) *Env {
	t.Helper()

	cfg := config.Default()
	cfg.Metrics.Enabled = false
	if customize != nil {
		customize(&cfg)
	}

	backend := store.NewMemory(cfg.Store.HistorySize)
	session := server.New(cfg, backend, server.HeaderIdentity{}, zerolog.Nop(), nil)
	go session.Run()

	ts := httptest.NewServer(session.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		_ = session.Shutdown(5 * time.Second)
		_ = backend.Close()
	})

	return &Env{
		Session: session,
		HTTP:    ts,
		Store:   backend,
		WSURL:   WebSocketURL(ts.URL) + "/ws",
	}
}

// WebSocketURL converts an http(s) base URL to its ws(s) form.
func WebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

// ConnectWebSocket dials url with the test origin and any extra headers. The
// HTTP response is returned for failed handshakes.
func ConnectWebSocket(url string, extra http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	for k, v := range extra {
		headers[k] = v
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects to env and fails the test on error. The connection is closed
// when the test ends.
func (e *Env) Dial(t *testing.T, extra http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(e.WSURL, extra)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes one envelope.
func Send(t *testing.T, conn *websocket.Conn, event, ref string, data any) {
	t.Helper()
	body, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Event: event, Ref: ref, Data: body}))
}

// ReadFrame reads the next envelope.
func ReadFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// ReadEvent reads frames until one carries event, decodes its data into v
// and returns it. Frames of other events are skipped.
func ReadEvent(t *testing.T, conn *websocket.Conn, event string, v any) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return env
	}
}

// AssertNoEvent fails the test if conn receives event within wait.
func AssertNoEvent(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == event {
			t.Fatalf("unexpected %s frame: %s", event, env.Data)
		}
	}
}

// WaitFor polls cond until it holds or the read timeout passes.
func WaitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, ReadTimeout, 10*time.Millisecond)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
