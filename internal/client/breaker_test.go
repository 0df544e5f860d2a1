package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerSettings{FailureThreshold: threshold, Cooldown: cooldown})
	b.now = clock.Now
	return b, clock
}

var errDial = errors.New("connection refused")

func fail() error { return errDial }
func ok() error   { return nil }

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerSettings{})
	assert.Equal(t, 5, b.settings.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.settings.Cooldown)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(fail), errDial)
		assert.Equal(t, BreakerClosed, b.State())
	}
	assert.ErrorIs(t, b.Do(fail), errDial)
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	require.Error(t, b.Do(fail))
	require.NoError(t, b.Do(ok))
	require.Error(t, b.Do(fail))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpen(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  BreakerState
	}{
		{"probe succeeds", ok, BreakerClosed},
		{"probe fails", fail, BreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(1, time.Minute)
			require.Error(t, b.Do(fail))
			require.Equal(t, BreakerOpen, b.State())

			clock.Advance(time.Minute)
			assert.Equal(t, BreakerHalfOpen, b.State())

			_ = b.Do(tt.probe)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	require.Error(t, b.Do(fail))
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, b.Do(ok), ErrBreakerOpen)
	close(release)
	assert.Eventually(t, func() bool { return b.State() == BreakerClosed }, time.Second, time.Millisecond)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerSettings{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, b.Do(fail))
	assert.Equal(t, []string{"closed->open"}, transitions)
}
