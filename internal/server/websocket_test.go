package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/config"
)

func wsURL(env *testEnv, username string) string {
	u := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	if username != "" {
		u += "?username=" + url.QueryEscape(username)
	}
	return u
}

func dial(t *testing.T, env *testEnv, username, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(wsURL(env, username), headers)
	if resp != nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func connect(t *testing.T, env *testEnv, username string) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, env, username, testOrigin)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return messageType, payload
}

func readUserList(t *testing.T, conn *websocket.Conn) UserListMessage {
	t.Helper()
	_, payload := readFrame(t, conn)
	var msg UserListMessage
	require.NoError(t, json.Unmarshal(payload, &msg), "frame %s", payload)
	require.Equal(t, UserListType, msg.Type)
	return msg
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", payload)
}

func TestWebSocketHandshake(t *testing.T) {
	env := newTestEnv(t, testConfig())

	t.Run("should require a username", func(t *testing.T) {
		_, resp, err := dial(t, env, "", testOrigin)
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.Equal(t, apperr.CodeValidation, resp.Header.Get("X-Error-Code"))
	})

	t.Run("should reject a disallowed origin without registering", func(t *testing.T) {
		_, resp, err := dial(t, env, "mallory", "http://evil.example")
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Zero(t, env.hub.ClientCount())
	})

	t.Run("should reject a missing origin", func(t *testing.T) {
		_, resp, err := dial(t, env, "mallory", "")
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Zero(t, env.hub.ClientCount())
	})

	t.Run("should only accept GET", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/ws?username=alice", "", nil)
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestWebSocketRelay(t *testing.T) {
	env := newTestEnv(t, testConfig())

	alice := connect(t, env, "alice")
	first := readUserList(t, alice)
	require.Equal(t, []string{"alice"}, first.Users)

	bob := connect(t, env, "bob")
	both := UserListMessage{Type: UserListType, Count: 2, Users: []string{"alice", "bob"}}
	require.Equal(t, both, readUserList(t, alice))
	require.Equal(t, both, readUserList(t, bob))

	t.Run("should relay frames verbatim to every client", func(t *testing.T) {
		frame := []byte(`{"content":"hello","created_by":"alice","created_at":"2024-05-01T12:00:00Z"}`)
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))

		for _, conn := range []*websocket.Conn{alice, bob} {
			messageType, payload := readFrame(t, conn)
			require.Equal(t, websocket.TextMessage, messageType)
			require.Equal(t, frame, payload)
		}
	})

	t.Run("should keep per-sender order", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, sender := range []struct {
			conn *websocket.Conn
			name string
		}{{alice, "a"}, {bob, "b"}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, n := range []string{"1", "2"} {
					assert.NoError(t, sender.conn.WriteMessage(websocket.TextMessage, []byte(sender.name+n)))
				}
			}()
		}
		wg.Wait()

		for _, conn := range []*websocket.Conn{alice, bob} {
			var got []string
			for range 4 {
				_, payload := readFrame(t, conn)
				got = append(got, string(payload))
			}
			require.ElementsMatch(t, []string{"a1", "a2", "b1", "b2"}, got)
			require.Less(t, slices.Index(got, "a1"), slices.Index(got, "a2"))
			require.Less(t, slices.Index(got, "b1"), slices.Index(got, "b2"))
		}
	})

	t.Run("should ignore binary frames", func(t *testing.T) {
		require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
		expectNoFrame(t, bob, 200*time.Millisecond)
	})

	t.Run("should announce a departure", func(t *testing.T) {
		require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		_ = bob.Close()

		msg := readUserList(t, alice)
		require.Equal(t, 1, msg.Count)
		require.Equal(t, []string{"alice"}, msg.Users)
		require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestWebSocketFrameRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	env := newTestEnv(t, cfg)

	conn := connect(t, env, "spammer")
	readUserList(t, conn)

	for _, p := range []string{"1", "2", "3", "4"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(p)))
	}
	_, first := readFrame(t, conn)
	_, second := readFrame(t, conn)
	require.Equal(t, "1", string(first))
	require.Equal(t, "2", string(second))
	expectNoFrame(t, conn, 300*time.Millisecond)
}

func TestWebSocketOversizedFrameDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	env := newTestEnv(t, cfg)

	watcher := connect(t, env, "watcher")
	readUserList(t, watcher)
	big := connect(t, env, "big")
	readUserList(t, watcher)
	readUserList(t, big)

	require.NoError(t, big.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200))))

	msg := readUserList(t, watcher)
	require.Equal(t, []string{"watcher"}, msg.Users)
}
