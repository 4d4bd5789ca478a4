package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lina4Life/passionart-sub000/internal/config"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
	"github.com/Lina4Life/passionart-sub000/test/testhelpers"
)

func originHeader(origin string) http.Header {
	header := http.Header{}
	header.Set("Origin", origin)
	return header
}

// TestOriginValidation verifies that upgrades from unlisted origins are refused.
func TestOriginValidation(t *testing.T) {
	env := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"http://example.com", testhelpers.TestOrigin}
	})

	t.Run("Disallowed origin", func(t *testing.T) {
		conn, resp, err := testhelpers.ConnectWebSocket(env.WSURL, originHeader("http://evil.example"))
		if conn != nil {
			_ = conn.Close()
		}
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Malformed origins", func(t *testing.T) {
		for _, origin := range []string{"not-a-url", "://missing-scheme", "http://", "javascript:alert(1)"} {
			conn, _, err := testhelpers.ConnectWebSocket(env.WSURL, originHeader(origin))
			if conn != nil {
				_ = conn.Close()
			}
			assert.Error(t, err, "origin %q", origin)
		}
	})

	t.Run("Case insensitive match", func(t *testing.T) {
		for _, origin := range []string{"http://EXAMPLE.COM", "HTTP://example.com"} {
			conn, _, err := testhelpers.ConnectWebSocket(env.WSURL, originHeader(origin))
			if assert.NoError(t, err, "origin %q", origin) {
				_ = conn.Close()
			}
		}
	})

	t.Run("Policy reload", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.AllowedOrigins = []string{"http://evil.example"}
		env.Session.UpdatePolicy(cfg)
		t.Cleanup(func() { env.Session.UpdatePolicy(config.Default()) })

		conn, _, err := testhelpers.ConnectWebSocket(env.WSURL, originHeader("http://evil.example"))
		require.NoError(t, err)
		_ = conn.Close()
	})
}

// TestMessageSizeLimit verifies that oversized frames end the connection.
func TestMessageSizeLimit(t *testing.T) {
	env := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 128
	})

	conn := env.Dial(t, nil)
	testhelpers.Send(t, conn, protocol.EventUserOnline, "", presence.Payload{Name: strings.Repeat("x", 256), Room: "general"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
			}
			break
		}
	}
	testhelpers.WaitFor(t, func() bool { return env.Session.Stats().Connections == 0 })
}

// TestRateLimiting verifies that frames beyond the burst are rejected
// without closing the connection.
func TestRateLimiting(t *testing.T) {
	env := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})

	conn := env.Dial(t, nil)
	for i := 0; i < 3; i++ {
		testhelpers.Send(t, conn, protocol.EventJoinRoom, "", protocol.RoomRequest{Room: "general"})
	}

	var reply protocol.ErrorReply
	testhelpers.ReadEvent(t, conn, protocol.EventError, &reply)
	assert.Equal(t, protocol.CodeRateLimited, reply.Code)
	assert.Equal(t, 1, env.Session.Stats().Connections)
}
