package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/captimer/go/internal/credential"
	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

const readWait = 2 * time.Second

func startRelay(t *testing.T, mutate func(*ConnectionConfig)) *httptest.Server {
	t.Helper()
	cfg := DefaultConnectionConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cm := NewConnectionManager(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (wire.Frame, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	return f, data
}

// connectOpen dials and waits for admission.
func connectOpen(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, path)
	f, _ := readFrame(t, conn)
	require.Equal(t, wire.CmdConnected, f.Cmd)
	return conn
}

func connectWithCredential(t *testing.T, srv *httptest.Server, cred string) (*websocket.Conn, wire.Frame) {
	t.Helper()
	conn := dial(t, srv, "/ws")
	f, _ := readFrame(t, conn)
	require.Equal(t, wire.CmdAuthRequired, f.Cmd)

	data, err := wire.EncodeCredential(cred)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	f, _ = readFrame(t, conn)
	return conn, f
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev timer.Event) []byte {
	t.Helper()
	data, err := wire.EncodeEvent(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return data
}

func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	require.Error(t, err)
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func expectClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestRelay_FanOutReachesOthersNotSender(t *testing.T) {
	srv := startRelay(t, nil)

	a := connectOpen(t, srv, "/ws")
	b := connectOpen(t, srv, "/ws")
	c := connectOpen(t, srv, "/")

	sent := sendEvent(t, a, timer.NewEvent("origin-a", 1, 35, time.Now()))

	for _, conn := range []*websocket.Conn{b, c} {
		_, got := readFrame(t, conn)
		assert.Equal(t, sent, got, "payload is forwarded verbatim")
	}
	expectSilence(t, a, 200*time.Millisecond)
}

func TestRelay_MalformedFrameIsNotFatal(t *testing.T) {
	srv := startRelay(t, nil)

	a := connectOpen(t, srv, "/ws")
	b := connectOpen(t, srv, "/ws")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"origin_id":"a","sequence":1,"duration_seconds":-4}`)))
	sendEvent(t, a, timer.NewEvent("origin-a", 2, 25, time.Now()))

	f, _ := readFrame(t, b)
	assert.Equal(t, uint64(2), f.Sequence)

	// a is still connected and still receives
	sendEvent(t, b, timer.NewEvent("origin-b", 1, 20, time.Now()))
	f, _ = readFrame(t, a)
	assert.Equal(t, "origin-b", f.OriginID)
}

func TestRelay_SessionsAreIsolated(t *testing.T) {
	srv := startRelay(t, nil)

	red := connectOpen(t, srv, "/ws?session=red")
	blue := connectOpen(t, srv, "/ws?session=blue")
	red2 := connectOpen(t, srv, "/ws?session=red")

	sendEvent(t, red, timer.NewEvent("origin-red", 1, 35, time.Now()))

	f, _ := readFrame(t, red2)
	assert.Equal(t, "origin-red", f.OriginID)
	expectSilence(t, blue, 200*time.Millisecond)
}

func TestRelay_InvalidSessionName(t *testing.T) {
	srv := startRelay(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session=a.b"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_SecretMismatchIsClosed(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) { c.Secret = "s3cret" })

	a, f := connectWithCredential(t, srv, "s3cret")
	require.Equal(t, wire.CmdConnected, f.Cmd)

	bad, f := connectWithCredential(t, srv, "wrong")
	assert.Equal(t, wire.CmdAuthFailed, f.Cmd)

	err := expectClosed(t, bad)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, ErrAuthFailed.Error(), closeErr.Text)

	// the remaining member is alone: nothing is echoed back
	sendEvent(t, a, timer.NewEvent("origin-a", 1, 35, time.Now()))
	expectSilence(t, a, 200*time.Millisecond)
}

func TestRelay_SecretMatchPromotes(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) { c.Secret = "s3cret" })

	token, err := credential.Issue("s3cret", "origin-b", time.Now(), credential.DefaultTokenTTL)
	require.NoError(t, err)

	a, f := connectWithCredential(t, srv, "s3cret")
	require.Equal(t, wire.CmdConnected, f.Cmd)
	b, f := connectWithCredential(t, srv, token)
	require.Equal(t, wire.CmdConnected, f.Cmd)
	require.NotNil(t, f.Clients)
	assert.Equal(t, 2, *f.Clients)

	sendEvent(t, a, timer.NewEvent("origin-a", 1, 35, time.Now()))
	f, _ = readFrame(t, b)
	assert.Equal(t, "origin-a", f.OriginID)
}

func TestRelay_FirstMessageMustBeCredential(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) { c.Secret = "s3cret" })

	conn := dial(t, srv, "/ws")
	f, _ := readFrame(t, conn)
	require.Equal(t, wire.CmdAuthRequired, f.Cmd)

	sendEvent(t, conn, timer.NewEvent("sneaky", 1, 35, time.Now()))
	f, _ = readFrame(t, conn)
	assert.Equal(t, wire.CmdAuthFailed, f.Cmd)
	assert.Error(t, expectClosed(t, conn))
}

func TestRelay_AuthTimeout(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) {
		c.Secret = "s3cret"
		c.AuthTimeout = 100 * time.Millisecond
	})

	conn := dial(t, srv, "/ws")
	f, _ := readFrame(t, conn)
	require.Equal(t, wire.CmdAuthRequired, f.Cmd)

	err := expectClosed(t, conn)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server should close before the client gives up")
}

func TestRelay_LateJoinerGetsSnapshot(t *testing.T) {
	srv := startRelay(t, nil)

	a := connectOpen(t, srv, "/ws")
	b := connectOpen(t, srv, "/ws")
	sendEvent(t, a, timer.NewEvent("origin-a", 3, 35, time.Now()))
	readFrame(t, b)

	late := connectOpen(t, srv, "/ws")
	f, _ := readFrame(t, late)
	require.Equal(t, wire.KindSnapshot, f.Kind())
	assert.Equal(t, "origin-a", f.OriginID)
	assert.Equal(t, uint64(3), f.Sequence)
	assert.Greater(t, f.Remaining(), 30*time.Second)
	assert.LessOrEqual(t, f.Remaining(), 35*time.Second)
}

func keepReading(conn *websocket.Conn) <-chan []byte {
	ch := make(chan []byte, 4)
	go func() {
		defer close(ch)
		for {
			conn.SetReadDeadline(time.Now().Add(readWait))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ch <- data
		}
	}()
	return ch
}

func TestRelay_PingKeepsQuietClientsAlive(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) {
		c.PingInterval = 50 * time.Millisecond
		c.PongTimeout = 150 * time.Millisecond
	})

	a := connectOpen(t, srv, "/ws")
	b := connectOpen(t, srv, "/ws")

	// the default ping handlers answer while the readers run
	keepReading(a)
	received := keepReading(b)

	time.Sleep(400 * time.Millisecond)
	sendEvent(t, a, timer.NewEvent("origin-a", 1, 20, time.Now()))

	select {
	case data, ok := <-received:
		require.True(t, ok, "b was disconnected")
		f, err := wire.DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, "origin-a", f.OriginID)
	case <-time.After(readWait):
		t.Fatal("b never received the event")
	}
}

func TestRelay_SilentClientIsDropped(t *testing.T) {
	srv := startRelay(t, func(c *ConnectionConfig) {
		c.PingInterval = time.Hour
		c.PongTimeout = 100 * time.Millisecond
	})

	conn := connectOpen(t, srv, "/ws")
	err := expectClosed(t, conn)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server should close before the client gives up")
}

func TestService_HTTPEndpoints(t *testing.T) {
	svc, err := NewService(DefaultConfig())
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{path: "/health", wantCode: http.StatusOK, contains: `"healthy":true`},
		{path: "/stats", wantCode: http.StatusOK, contains: `"total_connections":0`},
		{path: "/metrics", wantCode: http.StatusOK, contains: "captimer_relay_connections_active"},
		{path: "/nope", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.contains != "" {
				var sb strings.Builder
				_, err := io.Copy(&sb, resp.Body)
				require.NoError(t, err)
				assert.Contains(t, sb.String(), tt.contains)
			}
		})
	}
}
