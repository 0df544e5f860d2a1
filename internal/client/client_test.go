package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/storebridge/internal/api/ws"
	"github.com/GriffinCanCode/storebridge/internal/broker"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

type brokerFixture struct {
	broker *broker.Broker
	url    string
}

func newBroker(t *testing.T, token string) *brokerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := broker.New(nil, nil)
	h := ws.NewHandler(b, ws.Config{Token: token}, nil)
	router := gin.New()
	h.Attach(router, "/ws")

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
		b.Destroy()
	})
	return &brokerFixture{broker: b, url: srv.URL}
}

func (f *brokerFixture) dial(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *brokerFixture) waitStores(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.broker.Stats().Stores == n }, 2*time.Second, 5*time.Millisecond)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// counter is the reducer of a store holding {"count": n}.
func counter(state json.RawMessage, action protocol.Action) (json.RawMessage, error) {
	var s struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, err
	}
	switch action.Type {
	case "inc":
		s.Count++
	case "reset":
		s.Count = 0
	default:
		return nil, errors.New("unknown action " + action.Type)
	}
	return json.Marshal(s)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		role    string
		token   string
		want    string
		wantErr bool
	}{
		{"http base", "http://127.0.0.1:7411", "controller", "", "ws://127.0.0.1:7411/ws?role=controller", false},
		{"https base", "https://broker.example/", "host", "t", "wss://broker.example/ws?role=host&token=t", false},
		{"ws path kept", "ws://h:1/custom", "", "", "ws://h:1/custom", false},
		{"bad scheme", "ftp://h", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(tt.raw, tt.role, tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostAndController(t *testing.T) {
	f := newBroker(t, "")
	ctx := testCtx(t)

	hostConn := f.dial(t, Options{Role: "host"})
	host, err := hostConn.RegisterHost(ctx, HostOptions{
		PageID:       "counter",
		StoreKey:     "main",
		Description:  map[string]any{"actions": []string{"inc", "reset"}},
		InitialState: map[string]int{"count": 0},
		Reducer:      counter,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(host.StoreID(), "counter#"))
	f.waitStores(t, 1)

	ctl := f.dial(t, Options{})

	storeID, err := ctl.Resolve(ctx, "counter", "main")
	require.NoError(t, err)
	assert.Equal(t, host.StoreID(), storeID)

	events := make(chan Event, 16)
	unsubscribe, online, err := ctl.Subscribe(ctx, storeID, func(ev Event) { events <- ev })
	require.NoError(t, err)
	assert.True(t, online)

	snap := nextEvent(t, events)
	assert.Equal(t, protocol.SourceSnapshot, snap.Source)
	assert.JSONEq(t, `{"count":0}`, string(snap.State))

	res, err := ctl.Dispatch(ctx, storeID, map[string]string{"type": "inc"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"version":1}`, string(res))

	changed := nextEvent(t, events)
	assert.Equal(t, int64(1), changed.Version)
	assert.JSONEq(t, `{"count":1}`, string(changed.State))

	state, err := ctl.GetState(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)

	stale := int64(0)
	_, err = ctl.SetState(ctx, storeID, map[string]int{"count": 9}, &stale)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.KindVersionConflict, perr.Kind)

	current := int64(1)
	_, err = ctl.SetState(ctx, storeID, map[string]int{"count": 9}, &current)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nextEvent(t, events).Version)
	_, version := host.State()
	assert.Equal(t, int64(2), version)

	_, err = ctl.Dispatch(ctx, storeID, map[string]string{"type": "explode"}, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.KindInvalidActionPayload, perr.Kind)

	meta, err := ctl.GetMeta(ctx, storeID)
	require.NoError(t, err)
	assert.Contains(t, string(meta.Description), "reset")

	stores, err := ctl.ListStores(ctx)
	require.NoError(t, err)
	assert.Len(t, stores, 1)

	require.NoError(t, unsubscribe(ctx))
	_, err = host.SetState(ctx, map[string]int{"count": 0})
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHostDisconnectNotifiesSubscribers(t *testing.T) {
	f := newBroker(t, "")
	ctx := testCtx(t)

	hostConn := f.dial(t, Options{Role: "host"})
	host, err := hostConn.RegisterHost(ctx, HostOptions{PageID: "p", InitialState: map[string]any{}})
	require.NoError(t, err)
	f.waitStores(t, 1)

	ctl := f.dial(t, Options{})
	events := make(chan Event, 4)
	_, _, err = ctl.Subscribe(ctx, host.StoreID(), func(ev Event) { events <- ev })
	require.NoError(t, err)
	nextEvent(t, events)

	require.NoError(t, hostConn.Close())

	ev := nextEvent(t, events)
	assert.True(t, ev.Disconnected())
	assert.Equal(t, protocol.ReasonHostDisconnected, ev.Reason)

	_, err = ctl.GetState(ctx, host.StoreID())
	assert.ErrorIs(t, err, protocol.ErrStoreOffline)
}

func TestRegisterHostTwice(t *testing.T) {
	f := newBroker(t, "")
	ctx := testCtx(t)
	c := f.dial(t, Options{Role: "host"})

	_, err := c.RegisterHost(ctx, HostOptions{PageID: "p", InitialState: 1})
	require.NoError(t, err)
	_, err = c.RegisterHost(ctx, HostOptions{PageID: "p", InitialState: 1})
	assert.ErrorIs(t, err, ErrHostRegistered)

	_, err = c.RegisterHost(ctx, HostOptions{InitialState: 1})
	assert.Error(t, err)
}

func TestOnNotification(t *testing.T) {
	f := newBroker(t, "")
	ctx := testCtx(t)

	hostConn := f.dial(t, Options{Role: "host"})
	host, err := hostConn.RegisterHost(ctx, HostOptions{PageID: "p", InitialState: 0})
	require.NoError(t, err)
	f.waitStores(t, 1)

	ctl := f.dial(t, Options{})
	methods := make(chan string, 4)
	ctl.OnNotification(func(method string, _ json.RawMessage) { methods <- method })

	_, _, err = ctl.Subscribe(ctx, host.StoreID(), func(Event) {})
	require.NoError(t, err)
	select {
	case m := <-methods:
		assert.Equal(t, protocol.MethodStoreStateChanged, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestUnauthorized(t *testing.T) {
	f := newBroker(t, "s3cret")

	c, err := Dial(testCtx(t), f.url, Options{Token: "wrong"})
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not refused")
	}
	var perr *protocol.Error
	require.ErrorAs(t, c.Err(), &perr)
	assert.Equal(t, protocol.KindUnauthorized, perr.Kind)

	_, err = c.ListStores(testCtx(t))
	assert.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	f := newBroker(t, "")
	c := f.dial(t, Options{})
	require.NoError(t, c.Close())

	_, err := c.ListStores(testCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallHonoursContext(t *testing.T) {
	f := newBroker(t, "")
	ctx := testCtx(t)

	// A host that never answers forwarded requests.
	hostConn := f.dial(t, Options{Role: "host"})
	require.NoError(t, hostConn.Notify(ctx, protocol.MethodHostRegister, protocol.RegisterParams{
		StoreID: "silent", PageID: "p", InitialState: json.RawMessage(`0`),
	}))
	hostConn.Handle(protocol.MethodClientSetState, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.waitStores(t, 1)

	ctl := f.dial(t, Options{})
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := ctl.SetState(short, "silent", 1, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRetriesThenBreakerOpens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	breaker := NewBreaker(BreakerSettings{FailureThreshold: 2, Cooldown: time.Hour})
	opts := Options{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Breaker:         breaker,
	}

	_, err = Dial(testCtx(t), "http://"+addr, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, BreakerOpen, breaker.State())

	_, err = Dial(testCtx(t), "http://"+addr, opts)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestDialGivesUpWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, "http://"+addr, Options{MaxRetries: 1000, InitialInterval: 10 * time.Millisecond})
	assert.Error(t, err)
}
