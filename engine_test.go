package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/metrics"
	"github.com/tokmz/realtime/pkg/ws"
)

type statsBody struct {
	Code    int      `json:"code"`
	Data    ws.Stats `json:"data"`
	Message string   `json:"message"`
}

func newHub(t *testing.T) *ws.Hub {
	t.Helper()
	verifier := ws.VerifierFunc(func(_ context.Context, token string) (*ws.Identity, error) {
		if token == "" || token == "bad" {
			return nil, errors.ErrUnauthorized
		}
		return &ws.Identity{UserID: token, Role: "ambassador"}, nil
	})
	h, err := ws.NewHub(ws.WithVerifier(verifier))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *ws.Hub, *httptest.Server) {
	t.Helper()
	h := newHub(t)
	e := New(h, nil, append([]Option{WithMode(gin.TestMode)}, opts...)...)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return e, h, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestStatsCountsConnections(t *testing.T) {
	_, _, srv := newEngine(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// connected 欢迎帧
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	var body statsBody
	require.Eventually(t, func() bool {
		return getJSON(t, srv.URL+"/ws/stats", &body) == http.StatusOK && body.Data.Connections == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusOK, body.Code)
	assert.Equal(t, "success", body.Message)
	assert.Equal(t, 1, body.Data.Connections)
	assert.Equal(t, 1, body.Data.Users)
}

func TestEvents(t *testing.T) {
	_, _, srv := newEngine(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bad"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = conn.Close()

	var body struct {
		Code int                 `json:"code"`
		Data []ws.LifecycleEvent `json:"data"`
	}
	require.Eventually(t, func() bool {
		getJSON(t, srv.URL+"/ws/events?limit=10", &body)
		return len(body.Data) > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, ws.LifecycleRejected, body.Data[0].Type)

	var bad Response
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/ws/events?limit=abc", &bad))
	assert.Equal(t, errors.ErrBadRequest.Code, bad.Code)
}

func TestLimits(t *testing.T) {
	_, _, srv := newEngine(t)

	var body struct {
		Code int            `json:"code"`
		Data ws.LimitStatus `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ws/limits/user:u9", &body))
	assert.Equal(t, "user:u9", body.Data.ClientID)
	assert.Equal(t, int64(100), body.Data.Limit)
	assert.Equal(t, int64(100), body.Data.Remaining)
}

func TestHealth(t *testing.T) {
	_, h, srv := newEngine(t)

	var ok Response
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &ok))
	assert.Equal(t, "ok", ok.Data.(map[string]any)["status"])

	require.NoError(t, h.Close(context.Background()))
	var down Response
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/healthz", &down))
	assert.Equal(t, ws.ErrHubClosed.Code, down.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := metrics.New()
	e, _, srv := newEngine(t, WithMetricsHandler(reg.Handler()))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "realtime_ws_connections_active")

	var paths []string
	for _, r := range e.Routes() {
		paths = append(paths, r.Path)
	}
	assert.Contains(t, paths, "/metrics")
}

func TestNoMetricsRouteWithoutHandler(t *testing.T) {
	_, _, srv := newEngine(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFromError(t *testing.T) {
	status, resp := FromError(ws.ErrStoreUnavailable.WithMessage("redis down"))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 5030, resp.Code)
	assert.Equal(t, "redis down", resp.Message)

	status, resp = FromError(io.EOF)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, errors.ErrServer.Code, resp.Code)
}

func TestServeGracefulShutdown(t *testing.T) {
	var before, after bool
	h := newHub(t)
	e := New(h, nil,
		WithMode(gin.TestMode),
		WithShutdownTimeout(time.Second),
		WithBeforeShutdown(func() { before = true }),
		WithAfterShutdown(func() { after = true }),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, before)
	assert.True(t, after)

	_, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	_, _, srv := newEngine(t, WithCORS(CORSConfig{AllowOrigins: []string{"https://*.ops.example.com"}}))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.org")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMatchOrigin(t *testing.T) {
	exact := map[string]struct{}{"https://a.com": {}}
	wild := []string{"https://*.b.com"}
	assert.True(t, matchOrigin("https://a.com", exact, wild))
	assert.True(t, matchOrigin("https://x.b.com", exact, wild))
	assert.False(t, matchOrigin("https://.b.com", exact, wild))
	assert.False(t, matchOrigin("http://x.b.com", exact, wild))
}
