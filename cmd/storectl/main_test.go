package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/storebridge/internal/client"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/server"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

type env struct {
	url      string
	pagesDir string
	srv      *server.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.PagesDir = t.TempDir()
	cfg.Logging.Level = "error"
	cfg.RateLimit.Enabled = false

	srv, err := server.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return &env{url: ts.URL, pagesDir: cfg.Broker.PagesDir, srv: srv}
}

func (e *env) run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--url", e.url, "--pages-dir", e.pagesDir}, args...)
	code := run(context.Background(), full, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// host registers a counter store on page "counter" through the SDK.
func (e *env) host(t *testing.T) *client.Host {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, e.url, client.Options{Role: "host"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	h, err := conn.RegisterHost(ctx, client.HostOptions{
		PageID:       "counter",
		StoreKey:     "main",
		InitialState: map[string]int{"count": 0},
		Reducer: func(state json.RawMessage, action protocol.Action) (json.RawMessage, error) {
			var s struct {
				Count int `json:"count"`
			}
			_ = json.Unmarshal(state, &s)
			s.Count++
			return json.Marshal(s)
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.srv.Broker().Stats().Stores == 1 }, 2*time.Second, 5*time.Millisecond)
	return h
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"bad format", []string{"-o", "xml", "stores"}},
		{"get without target", []string{"get"}},
		{"set missing state", []string{"set", "s"}},
		{"bad json", []string{"set", "s", "{nope"}},
		{"snapshot without sub", []string{"snapshot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, strings.NewReader(""), &stdout, &stderr)
			assert.Equal(t, 2, code, stderr.String())
		})
	}
}

func TestLiveStoreCommands(t *testing.T) {
	e := newEnv(t)
	h := e.host(t)
	id := h.StoreID()

	code, out, _ := e.run(t, "", "stores")
	require.Equal(t, 0, code)
	assert.Contains(t, out, id)

	code, out, _ = e.run(t, "", "stores", "--page", "counter")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"storeKey": "main"`)

	code, out, _ = e.run(t, "", "resolve", "counter", "main")
	require.Equal(t, 0, code)
	assert.Contains(t, out, id)

	code, out, _ = e.run(t, "", "dispatch", id, `{"type": "inc", /* bump */}`)
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"version": 1`)

	code, _, stderr := e.run(t, "", "set", id, `{"count": 5}`, "--expected-version", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "version conflict")

	code, _, _ = e.run(t, `{"count": 5}`, "set", id, "-", "--expected-version", "1")
	require.Equal(t, 0, code)

	code, out, _ = e.run(t, "", "-o", "yaml", "get", id)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "count: 5")
	assert.Contains(t, out, "version: 2")

	code, out, _ = e.run(t, "", "get", "--page", "counter", "--key", "main")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"count": 5`)
}

func TestGetFallsBackToSnapshot(t *testing.T) {
	e := newEnv(t)

	code, _, _ := e.run(t, "", "get", "--page", "archived")
	assert.Equal(t, 1, code)

	code, _, _ = e.run(t, "", "snapshot", "set", "archived", `{"items": [1, 2,]}`)
	require.Equal(t, 0, code)

	code, out, stderr := e.run(t, "", "get", "--page", "archived")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, `"source": "snapshot"`)
	assert.Contains(t, out, `"version": 1`)
	assert.Contains(t, stderr, "durable snapshot")
}

func TestSnapshotCommands(t *testing.T) {
	e := newEnv(t)

	code, out, _ := e.run(t, "", "snapshot", "ls")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"pages":[]}`, out)

	code, out, _ = e.run(t, "", "snapshot", "set", "todo", `{"items": []}`)
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"version": 1`)

	code, _, stderr := e.run(t, "", "snapshot", "set", "todo", `{"items": [1]}`, "--expected-version", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "expected version 0, found 1")

	code, out, _ = e.run(t, "", "snapshot", "get", "todo")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"items": []`)

	code, out, _ = e.run(t, "", "snapshot", "ls")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"pages":["todo"]}`, out)

	code, out, _ = e.run(t, "", "snapshot", "rm", "todo")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"deleted":true}`, out)

	code, _, _ = e.run(t, "", "snapshot", "get", "todo")
	assert.Equal(t, 1, code)
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch(t *testing.T) {
	e := newEnv(t)
	h := e.host(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--url", e.url, "watch", h.StoreID()}, strings.NewReader(""), &stdout, io.Discard)
	}()

	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), `"source":"snapshot"`) },
		2*time.Second, 5*time.Millisecond)

	_, err := h.SetState(context.Background(), map[string]int{"count": 7})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), `"version":1`) },
		2*time.Second, 5*time.Millisecond)
	assert.Contains(t, stdout.String(), `"event":"store.stateChanged"`)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSnapshotWatch(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--pages-dir", e.pagesDir, "snapshot", "watch", "draft"}, strings.NewReader(""), &stdout, io.Discard)
	}()

	// The watcher is registered asynchronously; keep writing until one lands.
	require.Eventually(t, func() bool {
		var out, errOut bytes.Buffer
		code := run(context.Background(), []string{"--pages-dir", e.pagesDir, "snapshot", "set", "draft", `{"title": "x"}`},
			strings.NewReader(""), &out, &errOut)
		return code == 0 && strings.Contains(stdout.String(), `"pageId":"draft"`)
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot watch did not stop")
	}
}
