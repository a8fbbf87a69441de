package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBehavior echoes payloads unless send is set.
type fakeBehavior struct {
	caps Capabilities

	mu       sync.Mutex
	openErrs []error
	opens    int
	closes   int
	session  *Session
	sent     []any
	send     func(ctx context.Context, payload any) (any, error)
	openGate chan struct{}
}

func (f *fakeBehavior) Capabilities() Capabilities {
	return f.caps
}

func (f *fakeBehavior) Open(ctx context.Context, opts ConnectOptions, session *Session) error {
	if f.openGate != nil {
		<-f.openGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.session = session
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBehavior) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeBehavior) Send(ctx context.Context, payload any) (any, error) {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	send := f.send
	f.mu.Unlock()
	if send != nil {
		return send(ctx, payload)
	}
	return payload, nil
}

func (f *fakeBehavior) sentPayloads() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeBehavior) lose(err error) {
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()
	s.ConnectionLost(err)
}

// batchBehavior sends batches natively.
type batchBehavior struct {
	fakeBehavior
	batches [][]any
}

func (b *batchBehavior) SendBatch(ctx context.Context, payloads []any) ([]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, payloads)
	return payloads, nil
}

var testCaps = Capabilities{MaxPacketSize: 256, MaxBatchSize: 16, Concurrency: 1}

func newTestRuntime(t *testing.T, b Behavior, opts Options) *Runtime {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	r := NewRuntime(b, opts)
	t.Cleanup(func() { _ = r.Disconnect(context.Background()) })
	return r
}

func connected(t *testing.T, b Behavior, opts Options) *Runtime {
	t.Helper()
	r := newTestRuntime(t, b, opts)
	require.NoError(t, r.Connect(context.Background(), ConnectOptions{Address: "fake"}))
	return r
}

func TestRuntimeLifecycle(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := newTestRuntime(t, b, Options{})
	assert.Equal(t, StateDisconnected, r.State())

	_, err := r.SendCommand(context.Background(), "early")
	assert.Equal(t, KindInvalidState, KindOf(err))

	require.NoError(t, r.Connect(context.Background(), ConnectOptions{Address: "fake"}))
	assert.True(t, r.IsConnected())
	require.NoError(t, r.Connect(context.Background(), ConnectOptions{Address: "fake"}))
	assert.Equal(t, 1, b.opens, "connect while connected does nothing")

	res, err := r.SendCommand(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", res)

	require.NoError(t, r.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, r.State())
	require.NoError(t, r.Disconnect(context.Background()))
	assert.Equal(t, 1, b.closes)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Succeeded)
}

func TestRuntimeNilCommands(t *testing.T) {
	r := connected(t, &fakeBehavior{caps: testCaps}, Options{})

	_, err := r.SendCommand(context.Background(), nil)
	assert.Equal(t, KindValidationFailed, KindOf(err))
	_, err = r.SendBatch(context.Background(), nil)
	assert.Equal(t, KindValidationFailed, KindOf(err))
	_, err = r.SendBatch(context.Background(), []any{"a", nil})
	assert.Equal(t, KindValidationFailed, KindOf(err))
	_, err = r.Submit(nil)
	assert.Equal(t, KindValidationFailed, KindOf(err))
}

func TestRuntimeConnectWhileConnecting(t *testing.T) {
	b := &fakeBehavior{caps: testCaps, openGate: make(chan struct{})}
	r := newTestRuntime(t, b, Options{})

	done := make(chan error)
	go func() { done <- r.Connect(context.Background(), ConnectOptions{}) }()
	require.Eventually(t, func() bool { return r.State() == StateConnecting }, time.Second, time.Millisecond)

	err := r.Connect(context.Background(), ConnectOptions{})
	assert.Equal(t, KindInvalidState, KindOf(err))

	close(b.openGate)
	require.NoError(t, <-done)
	assert.True(t, r.IsConnected())
}

func TestRuntimeConnectFailure(t *testing.T) {
	cause := errors.New("refused")

	r := newTestRuntime(t, &fakeBehavior{caps: testCaps, openErrs: []error{cause}}, Options{})
	err := r.Connect(context.Background(), ConnectOptions{})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindConnectionFailed, pe.Kind)
	assert.False(t, pe.Retrying)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateDisconnected, r.State())

	b := &fakeBehavior{caps: testCaps, openErrs: []error{cause}}
	r = newTestRuntime(t, b, Options{Reconnect: ReconnectPolicy{Enabled: true, Delay: 10 * time.Millisecond, MaxAttempts: 2}})
	err = r.Connect(context.Background(), ConnectOptions{})
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retrying)
	require.Eventually(t, r.IsConnected, time.Second, time.Millisecond)
}

func TestRuntimeBatching(t *testing.T) {
	b := &batchBehavior{fakeBehavior: fakeBehavior{caps: Capabilities{MaxPacketSize: 64, MaxBatchSize: 3, Batching: true}}}
	r := connected(t, b, Options{BatchSize: 10, BatchTimeout: time.Hour})

	// the batch size is capped by the protocol and a full batch goes out at once
	results, err := r.SendBatch(context.Background(), []any{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, results)

	b.mu.Lock()
	assert.Equal(t, [][]any{{"a", "b", "c"}}, b.batches)
	b.mu.Unlock()
	assert.Empty(t, b.sentPayloads())
	assert.Equal(t, uint64(1), r.Stats().Batches)
}

func TestRuntimeBatchTimeout(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := connected(t, b, Options{BatchSize: 10, BatchTimeout: 30 * time.Millisecond})

	start := time.Now()
	c1, err := r.Submit("a")
	require.NoError(t, err)
	c2, err := r.Submit("b")
	require.NoError(t, err)

	<-c1.Done()
	<-c2.Done()
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Batches)
	assert.Equal(t, []any{"a", "b"}, b.sentPayloads())
}

func TestRuntimeTransportFailureFailsBatch(t *testing.T) {
	lost := NewError(KindConnectionLost, "send", errors.New("wire cut"))
	b := &fakeBehavior{caps: testCaps, send: func(ctx context.Context, payload any) (any, error) {
		if payload == "b" {
			return nil, lost
		}
		return payload, nil
	}}
	r := connected(t, b, Options{BatchTimeout: time.Hour, BatchSize: 3})

	cmds := make([]*CommandContext, 0, 3)
	for _, p := range []string{"a", "b", "c"} {
		c, err := r.Submit(p)
		require.NoError(t, err)
		cmds = append(cmds, c)
	}
	for _, c := range cmds {
		<-c.Done()
		_, err := c.Result()
		assert.ErrorIs(t, err, lost)
		assert.Equal(t, StatusFailed, c.Status())
	}
	// concurrency 1 stops after the failure
	assert.Equal(t, []any{"a", "b"}, b.sentPayloads())
}

func TestRuntimeCommandFailureIsScoped(t *testing.T) {
	nak := NewError(KindProtocolError, "send", errors.New("illegal data address"))
	b := &fakeBehavior{caps: testCaps, send: func(ctx context.Context, payload any) (any, error) {
		if payload == "b" {
			return nil, nak
		}
		return payload, nil
	}}
	r := connected(t, b, Options{BatchTimeout: time.Hour, BatchSize: 3})

	_, err := r.SendBatch(context.Background(), []any{"a", "b", "c"})
	assert.ErrorIs(t, err, nak)
	assert.ErrorContains(t, err, "1 of 3 commands failed")
	assert.Equal(t, []any{"a", "b", "c"}, b.sentPayloads())

	// settles the dispatcher so the counters are final
	require.NoError(t, r.Disconnect(context.Background()))
	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestRuntimeRetries(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	b := &fakeBehavior{caps: testCaps, send: func(ctx context.Context, payload any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, NewError(KindTimeout, "send", errors.New("no answer"))
		}
		return payload, nil
	}}
	r := connected(t, b, Options{Retries: 2})

	c, err := r.Submit("x")
	require.NoError(t, err)
	<-c.Done()
	res, err := c.Result()
	require.NoError(t, err)
	assert.Equal(t, "x", res)
	assert.Equal(t, 3, c.Snapshot().Attempts)
	assert.Equal(t, uint64(2), r.Stats().Retried)

	mu.Lock()
	failures = 5
	mu.Unlock()
	_, err = r.SendCommand(context.Background(), "y")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestRuntimeNoRetryOnOtherErrors(t *testing.T) {
	b := &fakeBehavior{caps: testCaps, send: func(ctx context.Context, payload any) (any, error) {
		return nil, NewError(KindValidationFailed, "send", errors.New("bad request"))
	}}
	r := connected(t, b, Options{Retries: 3})

	_, err := r.SendCommand(context.Background(), "x")
	assert.Equal(t, KindValidationFailed, KindOf(err))
	assert.Len(t, b.sentPayloads(), 1)
}

func TestRuntimeConcurrency(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		maximum  int
	)
	b := &fakeBehavior{caps: Capabilities{MaxPacketSize: 64, MaxBatchSize: 8, Concurrency: 3}, send: func(ctx context.Context, payload any) (any, error) {
		mu.Lock()
		inFlight++
		maximum = max(maximum, inFlight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return payload, nil
	}}
	r := connected(t, b, Options{BatchSize: 8})

	payloads := []any{1, 2, 3, 4, 5, 6, 7, 8}
	results, err := r.SendBatch(context.Background(), payloads)
	require.NoError(t, err)
	assert.Equal(t, payloads, results, "results keep submission order")

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maximum, 3)
}

func TestRuntimeHalfDuplexRejectsSecondCommand(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	b := &fakeBehavior{caps: Capabilities{MaxPacketSize: 64, MaxBatchSize: 8, Concurrency: 1, HalfDuplex: true},
		send: func(ctx context.Context, payload any) (any, error) {
			started <- struct{}{}
			<-release
			return payload, nil
		}}
	r := connected(t, b, Options{BatchSize: 1})

	_, err := r.SendBatch(context.Background(), []any{1, 2})
	assert.Equal(t, KindInvalidState, KindOf(err), "half-duplex batches carry one command")

	first, err := r.Submit("first")
	require.NoError(t, err)
	<-started

	start := time.Now()
	_, err = r.SendCommand(context.Background(), "second")
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "rejected without queueing")
	_, err = r.Submit("third")
	assert.Equal(t, KindInvalidState, KindOf(err))

	close(release)
	<-first.Done()
	res, err := first.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", res)

	res, err = r.SendCommand(context.Background(), "after")
	require.NoError(t, err)
	assert.Equal(t, "after", res)
	assert.Equal(t, []any{"first", "after"}, b.sentPayloads())
}

func TestRuntimeDisconnectCancels(t *testing.T) {
	started := make(chan struct{}, 8)
	b := &fakeBehavior{caps: testCaps, send: func(ctx context.Context, payload any) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := connected(t, b, Options{BatchSize: 1})

	active, err := r.Submit("active")
	require.NoError(t, err)
	<-started
	queued, err := r.Submit("queued")
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(context.Background()))
	for _, c := range []*CommandContext{active, queued} {
		<-c.Done()
		_, err := c.Result()
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, KindInvalidState, KindOf(err))
		assert.Equal(t, StatusCancelled, c.Status())
	}
	assert.Zero(t, r.Pending())
	assert.Equal(t, uint64(2), r.Stats().Cancelled)
}

func TestRuntimeContextRemovesQueuedCommand(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := connected(t, b, Options{BatchTimeout: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.SendCommand(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.Pending())
	assert.Equal(t, uint64(1), r.Stats().Cancelled)
	assert.Empty(t, b.sentPayloads())
}

func TestRuntimeReconnect(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := connected(t, b, Options{Reconnect: ReconnectPolicy{Enabled: true, Delay: 10 * time.Millisecond, MaxAttempts: 3}})

	b.mu.Lock()
	b.openErrs = []error{errors.New("still down")}
	b.mu.Unlock()
	b.lose(errors.New("reset by peer"))
	assert.False(t, r.IsConnected())

	// commands wait for the link while reconnecting
	res, err := r.SendCommand(context.Background(), "after")
	require.NoError(t, err)
	assert.Equal(t, "after", res)
	assert.True(t, r.IsConnected())
	assert.Equal(t, uint64(2), r.Stats().Reconnects)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 3, b.opens)
}

func TestRuntimeReconnectExhausted(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := connected(t, b, Options{Reconnect: ReconnectPolicy{Enabled: true, Delay: 10 * time.Millisecond, MaxAttempts: 2}})

	down := errors.New("still down")
	b.mu.Lock()
	b.openErrs = []error{down, down, down}
	b.mu.Unlock()
	b.lose(errors.New("reset by peer"))

	_, err := r.SendCommand(context.Background(), "stranded")
	assert.Equal(t, KindConnectionLost, KindOf(err))
	assert.ErrorIs(t, err, down)
	assert.Equal(t, StateDisconnected, r.State())

	_, err = r.SendCommand(context.Background(), "late")
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestRuntimeLostWithoutReconnect(t *testing.T) {
	b := &fakeBehavior{caps: testCaps}
	r := connected(t, b, Options{BatchTimeout: time.Hour})

	c, err := r.Submit("queued")
	require.NoError(t, err)
	b.lose(errors.New("reset by peer"))

	<-c.Done()
	_, err = c.Result()
	assert.Equal(t, KindConnectionLost, KindOf(err))
	assert.False(t, r.IsConnected())
}
