package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/storebridge/internal/api/middleware"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = "0"
	cfg.Server.Token = "s3cret"
	cfg.Broker.PagesDir = t.TempDir()
	cfg.Logging.Level = "error"
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

// start serves srv on a loopback listener and returns its base address and a
// stop func that waits for Serve to return.
func start(t *testing.T, srv *Server) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return ln.Addr().String(), stop
}

func get(t *testing.T, url string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.PagesDir = ""

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestServeRoutes(t *testing.T) {
	srv, err := New(testConfig(t))
	require.NoError(t, err)
	addr, _ := start(t, srv)
	base := "http://" + addr

	status, body := get(t, base+"/health", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "UNAUTHORIZED")

	auth := http.Header{middleware.TokenHeader: {"s3cret"}}
	status, body = get(t, base+"/health", auth)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)

	status, body = get(t, base+"/stores", auth)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"stores":[]}`, body)

	status, body = get(t, base+"/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "storebridge_http_requests_total")
}

func TestShutdownClosesWebsockets(t *testing.T) {
	srv, err := New(testConfig(t))
	require.NoError(t, err)
	addr, stop := start(t, srv)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+WebSocketPath+"?role=host&token=s3cret", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"host.register","params":{"storeId":"s","pageId":"p","initialState":{}}}`)))
	require.Eventually(t, func() bool { return srv.Broker().Stats().Stores == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, stop())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, srv.Broker().Stats().Stores)
}

func TestRecordGauges(t *testing.T) {
	srv, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	srv.recordGauges()
	status, body := func() (int, string) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		httpSrv := &http.Server{Handler: srv.Handler()}
		go func() { _ = httpSrv.Serve(ln) }()
		defer httpSrv.Close()
		return get(t, "http://"+ln.Addr().String()+"/metrics", nil)
	}()
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "storebridge_stores_live 0")
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"listed with slash", []string{"https://App.example/"}, "https://app.example", true},
		{"other origin", []string{"https://app.example"}, "https://evil.example", false},
		{"scheme differs", []string{"https://app.example"}, "http://app.example", false},
		{"garbage", []string{"https://app.example"}, "::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
