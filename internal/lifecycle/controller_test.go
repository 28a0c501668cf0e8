package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type mockServer struct {
	rec          *recorder
	ServeFunc    func(ctx context.Context, ln net.Listener) error
	ShutdownFunc func(ctx context.Context) error

	stopped chan struct{}
	once    sync.Once
}

func newMockServer(rec *recorder) *mockServer {
	return &mockServer{rec: rec, stopped: make(chan struct{})}
}

func (m *mockServer) Serve(ctx context.Context, ln net.Listener) error {
	m.rec.add("serve")
	if m.ServeFunc != nil {
		return m.ServeFunc(ctx, ln)
	}
	<-m.stopped
	m.rec.add("serve returned")
	return nil
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.rec.add("shutdown")
	var err error
	if m.ShutdownFunc != nil {
		err = m.ShutdownFunc(ctx)
	}
	m.once.Do(func() { close(m.stopped) })
	return err
}

type mockFlusher struct {
	rec          *recorder
	FlushAllFunc func(ctx context.Context) error
}

func (m *mockFlusher) FlushAll(ctx context.Context) error {
	m.rec.add("flush")
	if m.FlushAllFunc != nil {
		return m.FlushAllFunc(ctx)
	}
	return nil
}

type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, errors.New("not used") }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, srv Server, fl Flusher) *Controller {
	t.Helper()
	c, err := New(Config{
		Logger:       newTestLogger(),
		Server:       srv,
		Flusher:      fl,
		Listener:     nopListener{},
		DrainTimeout: time.Second,
		FlushTimeout: time.Second,
	})
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestAggregator_Lifecycle_New_Validation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, err := New(Config{Server: newMockServer(rec), Flusher: &mockFlusher{rec: rec}, Listener: nopListener{}})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: newTestLogger(), Flusher: &mockFlusher{rec: rec}, Listener: nopListener{}})
	require.ErrorContains(t, err, "server is required")

	_, err = New(Config{Logger: newTestLogger(), Server: newMockServer(rec), Listener: nopListener{}})
	require.ErrorContains(t, err, "flusher is required")

	_, err = New(Config{Logger: newTestLogger(), Server: newMockServer(rec), Flusher: &mockFlusher{rec: rec}})
	require.ErrorContains(t, err, "listener is required")

	c, err := New(Config{Logger: newTestLogger(), Server: newMockServer(rec), Flusher: &mockFlusher{rec: rec}, Listener: nopListener{}})
	require.NoError(t, err)
	require.Equal(t, defaultDrainTimeout, c.cfg.DrainTimeout)
	require.Equal(t, defaultFlushTimeout, c.cfg.FlushTimeout)
}

func TestAggregator_Lifecycle_Stop_DrainsThenFlushesOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newTestController(t, newMockServer(rec), &mockFlusher{rec: rec})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(rec.Events()) > 0 }, time.Second, 5*time.Millisecond)
	require.True(t, c.Stop(time.Time{}))
	require.False(t, c.Stop(time.Time{}), "only the first stop is taken")

	require.NoError(t, waitDone(t, errCh))
	<-c.Done()
	require.Equal(t, []string{"serve", "shutdown", "serve returned", "flush"}, rec.Events())
}

func TestAggregator_Lifecycle_ContextCancelTriggersShutdown(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newTestController(t, newMockServer(rec), &mockFlusher{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	cancel()

	require.NoError(t, waitDone(t, errCh))
	events := rec.Events()
	require.Equal(t, "flush", events[len(events)-1])
	count := 0
	for _, e := range events {
		if e == "flush" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAggregator_Lifecycle_FlushAfterCancelStillHasLiveContext(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var flushCtxErr error
	fl := &mockFlusher{rec: rec, FlushAllFunc: func(ctx context.Context) error {
		flushCtxErr = ctx.Err()
		return nil
	}}
	c := newTestController(t, newMockServer(rec), fl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	require.NoError(t, flushCtxErr)
}

func TestAggregator_Lifecycle_FlushErrorIsReportedAndRunCompletes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	boom := errors.New("sink down")
	c := newTestController(t, newMockServer(rec), &mockFlusher{rec: rec, FlushAllFunc: func(ctx context.Context) error {
		return boom
	}})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Stop(time.Time{})

	err := waitDone(t, errCh)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "failed to flush buffered streams")

	select {
	case <-c.Done():
	default:
		t.Fatal("done should be closed even when the flush fails")
	}
}

func TestAggregator_Lifecycle_ServeErrorStillFlushes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	boom := errors.New("listener closed")
	srv := newMockServer(rec)
	srv.ServeFunc = func(ctx context.Context, ln net.Listener) error { return boom }
	c := newTestController(t, srv, &mockFlusher{rec: rec})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"serve", "shutdown", "flush"}, rec.Events())
}

func TestAggregator_Lifecycle_DrainErrorStillFlushes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := newMockServer(rec)
	srv.ShutdownFunc = func(ctx context.Context) error { return context.DeadlineExceeded }
	c := newTestController(t, srv, &mockFlusher{rec: rec})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Stop(time.Time{})

	err := waitDone(t, errCh)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, rec.Events(), "flush")
}

func TestAggregator_Lifecycle_DrainErrorFlushesLateInserts(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := newMockServer(rec)
	srv.ShutdownFunc = func(ctx context.Context) error { return context.DeadlineExceeded }

	var (
		mu       sync.Mutex
		buffered int
		flushed  []int
	)
	insert := func() {
		mu.Lock()
		defer mu.Unlock()
		buffered++
	}
	insert()

	fl := &mockFlusher{rec: rec, FlushAllFunc: func(ctx context.Context) error {
		mu.Lock()
		flushed = append(flushed, buffered)
		buffered = 0
		first := len(flushed) == 1
		mu.Unlock()
		if first {
			// A handler that outlived the drain inserts while the first flush runs.
			insert()
		}
		return nil
	}}
	c := newTestController(t, srv, fl)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(rec.Events()) > 0 }, time.Second, 5*time.Millisecond)
	c.Stop(time.Time{})

	err := waitDone(t, errCh)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"serve", "shutdown", "serve returned", "flush", "flush"}, rec.Events())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 1}, flushed)
	require.Zero(t, buffered)
}

func TestAggregator_Lifecycle_LateFlushErrorIsReported(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := newMockServer(rec)
	srv.ShutdownFunc = func(ctx context.Context) error { return context.DeadlineExceeded }
	boom := errors.New("sink down")
	calls := 0
	c := newTestController(t, srv, &mockFlusher{rec: rec, FlushAllFunc: func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Stop(time.Time{})

	err := waitDone(t, errCh)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "failed to flush records from in-flight requests")
}

func TestAggregator_Lifecycle_Run_OnlyOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newTestController(t, newMockServer(rec), &mockFlusher{rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	require.ErrorContains(t, c.Run(ctx), "already ran")
}

func TestAggregator_Lifecycle_DeadlineCapsFlushTimeout(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var remaining time.Duration
	fl := &mockFlusher{rec: rec, FlushAllFunc: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(dl)
		return nil
	}}
	c := newTestController(t, newMockServer(rec), fl)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Stop(time.Now().Add(200 * time.Millisecond))

	require.NoError(t, waitDone(t, errCh))
	require.LessOrEqual(t, remaining, 200*time.Millisecond)
}

func TestAggregator_Lifecycle_FlushTimeout(t *testing.T) {
	t.Parallel()

	c := &Controller{cfg: Config{FlushTimeout: time.Second}}
	require.Equal(t, time.Second, c.flushTimeout(time.Time{}))
	require.Equal(t, time.Millisecond, c.flushTimeout(time.Now().Add(-time.Second)))
	require.LessOrEqual(t, c.flushTimeout(time.Now().Add(100*time.Millisecond)), 100*time.Millisecond)
	require.Equal(t, time.Second, c.flushTimeout(time.Now().Add(time.Hour)))
}
