package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/session"
)

func startRun(t *testing.T, ctx context.Context, e *Engine, clock *clockwork.FakeClock) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Wait for the ticker
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestRun_TerminateWithinOneTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name  string
		setup func(e *Engine, src *fakeSource)
	}{
		{"idle", func(*Engine, *fakeSource) {}},
		{"login prompt pending", func(_ *Engine, src *fakeSource) { src.feed(loginScreen) }},
		{"capturing", func(e *Engine, _ *fakeSource) { e.term.SetRawMode() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, src, clock, _ := newTestEngine(t)
			tt.setup(e, src)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			done := startRun(t, ctx, e, clock)
			assert.Equal(t, keyEsc, src.takeWritten(), "startup escape")

			require.NoError(t, e.Submit(domain.CommandTerminate))
			clock.Advance(e.timing.TickInterval)

			require.NoError(t, waitDone(t, done))
			assert.Equal(t, keyEsc+keyEsc, src.takeWritten())
			assert.True(t, src.isClosed())
			assert.Equal(t, session.LinkStateDisconnected, e.Session().GetState())
		})
	}
}

func TestRun_WaitsForShutdownSettle(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClock()
	src := &fakeSource{}
	opts := testOptions(clock)
	opts.Automation.ShutdownSettle = 4 * time.Second
	e := NewEngine(src, nil, opts, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := startRun(t, ctx, e, clock)
	require.NoError(t, e.Submit(domain.CommandTerminate))
	clock.Advance(opts.Automation.TickInterval)

	// Ticker plus the settle sleep
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.False(t, src.isClosed())

	clock.Advance(4 * time.Second)
	require.NoError(t, waitDone(t, done))
	assert.True(t, src.isClosed())
}

func TestRun_ContextCancelShutsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, src, clock, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := startRun(t, ctx, e, clock)
	src.takeWritten()

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, keyEsc+keyEsc, src.takeWritten())
	assert.True(t, src.isClosed())
}

func TestRun_ProcessesTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, src, clock, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := startRun(t, ctx, e, clock)
	src.takeWritten()

	src.feed(loginScreen)
	clock.Advance(e.timing.TickInterval)
	require.Eventually(t, func() bool {
		return e.Session().GetStats().BytesSent > 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "3845\r", src.takeWritten())

	require.NoError(t, e.Submit(domain.CommandTerminate))
	clock.Advance(e.timing.TickInterval)
	require.NoError(t, waitDone(t, done))
}

func TestRun_TransportFailureEndsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, src, clock, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := startRun(t, ctx, e, clock)

	src.mu.Lock()
	src.availErr = errors.New("device disconnected")
	src.mu.Unlock()
	clock.Advance(e.timing.TickInterval)

	err := waitDone(t, done)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, src.isClosed())
	assert.Equal(t, session.LinkStateDisconnected, e.Session().GetState())
}

func TestRun_StartupFailure(t *testing.T) {
	e, src, _, _ := newTestEngine(t)
	src.writeErr = errors.New("not writable")

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, src.isClosed())
}

func TestRun_AlreadyRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _, clock, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := startRun(t, ctx, e, clock)
	assert.ErrorIs(t, e.Run(ctx), ErrAlreadyRunning)

	cancel()
	require.NoError(t, waitDone(t, done))
}
