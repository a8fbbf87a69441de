// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultBatchSize      = 10
	defaultBatchTimeout   = 10 * time.Millisecond
	defaultReconnectDelay = time.Second
	defaultConnectTimeout = 10 * time.Second
)

// State is the connection state of a Runtime.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// ReconnectPolicy bounds automatic reconnects after a failed connect or a
// lost connection.
type ReconnectPolicy struct {
	Enabled     bool
	Delay       time.Duration
	MaxAttempts int
}

// Options configures a Runtime. Zero values select the defaults.
type Options struct {
	// BatchSize is the most commands drained into one batch. It is capped by
	// the protocol's MaxBatchSize.
	BatchSize int
	// BatchTimeout is how long the first queued command waits for the batch
	// to fill up.
	BatchTimeout time.Duration
	// Retries re-sends a command that failed with a timeout.
	Retries   int
	Reconnect ReconnectPolicy
	Codec     CodecOptions
	Logger    *zap.Logger
}

// Stats are cumulative counters of a Runtime.
type Stats struct {
	Submitted  uint64
	Succeeded  uint64
	Failed     uint64
	Cancelled  uint64
	Retried    uint64
	Batches    uint64
	Reconnects uint64
}

type counters struct {
	submitted, succeeded, failed, cancelled atomic.Uint64
	retried, batches, reconnects            atomic.Uint64
}

// Runtime is the transport agnostic engine behind every protocol handler.
// It owns connection state, the command queue, batching and retries, and
// delegates the wire work to a Behavior.
type Runtime struct {
	behavior  Behavior
	caps      Capabilities
	opts      Options
	batchSize int
	codec     *Codec
	logger    *zap.Logger
	stats     counters

	mu                sync.Mutex
	state             State
	connectOpts       ConnectOptions
	reconnecting      bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	queue      []*CommandContext
	outbox     [][]*CommandContext
	active     map[string]*CommandContext
	batchTimer *time.Timer
	batchGen   uint64

	wake      chan struct{}
	runCancel context.CancelFunc
	runDone   chan struct{}
}

var _ Handler = (*Runtime)(nil)

// NewRuntime wraps behavior in a runtime.
func NewRuntime(behavior Behavior, opts Options) *Runtime {
	caps := behavior.Capabilities()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.Reconnect.Delay <= 0 {
		opts.Reconnect.Delay = defaultReconnectDelay
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if caps.MaxBatchSize > 0 && batchSize > caps.MaxBatchSize {
		batchSize = caps.MaxBatchSize
	}
	return &Runtime{
		behavior:  behavior,
		caps:      caps,
		opts:      opts,
		batchSize: batchSize,
		codec:     NewCodec(caps, opts.Codec),
		logger:    opts.Logger.With(zap.String("component", "runtime")),
		active:    make(map[string]*CommandContext),
		wake:      make(chan struct{}, 1),
	}
}

// Capabilities returns the capabilities of the underlying protocol.
func (r *Runtime) Capabilities() Capabilities {
	return r.caps.clone()
}

// Encode runs payload through the protocol's encode pipeline.
func (r *Runtime) Encode(payload any) ([]byte, error) {
	return r.codec.Encode(payload)
}

// Decode runs data through the protocol's decode pipeline.
func (r *Runtime) Decode(data []byte) (any, error) {
	return r.codec.Decode(data)
}

// State returns the current connection state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsConnected reports whether the runtime is connected.
func (r *Runtime) IsConnected() bool {
	return r.State() == StateConnected
}

// Stats returns a snapshot of the runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Submitted:  r.stats.submitted.Load(),
		Succeeded:  r.stats.succeeded.Load(),
		Failed:     r.stats.failed.Load(),
		Cancelled:  r.stats.cancelled.Load(),
		Retried:    r.stats.retried.Load(),
		Batches:    r.stats.batches.Load(),
		Reconnects: r.stats.reconnects.Load(),
	}
}

// Pending returns the number of commands queued or in flight.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue) + len(r.active)
	for _, b := range r.outbox {
		n += len(b)
	}
	return n
}

// Connect opens the link. Connecting while a connect is in progress fails
// with KindInvalidState; connecting while connected does nothing.
func (r *Runtime) Connect(ctx context.Context, opts ConnectOptions) error {
	r.mu.Lock()
	switch r.state {
	case StateConnecting:
		r.mu.Unlock()
		return NewError(KindInvalidState, "connect", errors.New("connect already in progress"))
	case StateConnected:
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	r.connectOpts = opts
	r.reconnectAttempts = 0
	r.stopReconnectLocked()
	r.mu.Unlock()

	return r.open(ctx)
}

func (r *Runtime) open(ctx context.Context) error {
	r.mu.Lock()
	opts := r.connectOpts
	r.mu.Unlock()

	session := &Session{Codec: r.codec, Logger: r.opts.Logger, lost: r.connectionLost}
	err := r.behavior.Open(ctx, opts, session)

	r.mu.Lock()
	if r.state != StateConnecting {
		// Disconnect ran while the link was being opened.
		r.mu.Unlock()
		if err == nil {
			_ = r.behavior.Close(ctx)
		}
		return NewError(KindInvalidState, "connect", errors.New("disconnected while connecting"))
	}
	defer r.mu.Unlock()

	if err != nil {
		r.state = StateDisconnected
		retry := r.scheduleReconnectLocked()
		if !retry {
			r.giveUpLocked(NewError(KindConnectionLost, "reconnect", err))
		}
		r.logger.Warn("Connect failed",
			zap.String("address", opts.Address),
			zap.Bool("will_retry", retry),
			zap.Int("attempt", r.reconnectAttempts),
			zap.Error(err),
		)
		return &Error{Kind: KindConnectionFailed, Op: "connect", Retrying: retry, Err: err}
	}

	r.state = StateConnected
	r.reconnecting = false
	r.reconnectAttempts = 0
	if r.runCancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		r.runCancel = cancel
		r.runDone = make(chan struct{})
		go r.run(runCtx, r.runDone)
	}
	r.signal()
	r.logger.Info("Connected", zap.String("address", opts.Address))
	return nil
}

// scheduleReconnectLocked arms the reconnect timer if the policy allows
// another attempt.
func (r *Runtime) scheduleReconnectLocked() bool {
	p := r.opts.Reconnect
	if !p.Enabled || r.reconnectAttempts >= p.MaxAttempts {
		return false
	}
	r.reconnectAttempts++
	r.reconnecting = true
	r.stopReconnectLocked()
	r.reconnectTimer = time.AfterFunc(p.Delay, r.reconnect)
	return true
}

func (r *Runtime) stopReconnectLocked() {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

func (r *Runtime) reconnect() {
	r.mu.Lock()
	if !r.reconnecting || r.state != StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.reconnectTimer = nil
	r.state = StateConnecting
	timeout := r.connectOpts.Timeout
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.stats.reconnects.Add(1)
	// the link is already gone, this only releases what the behavior still holds
	_ = r.behavior.Close(ctx)
	if err := r.open(ctx); err != nil {
		return
	}
	r.logger.Info("Reconnected")
}

// connectionLost is called by the behavior when the link drops on its own.
func (r *Runtime) connectionLost(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateConnected {
		return
	}
	r.state = StateDisconnected
	retry := r.scheduleReconnectLocked()
	if !retry {
		r.giveUpLocked(NewError(KindConnectionLost, "connection lost", cause))
	}
	r.logger.Warn("Connection lost", zap.Bool("will_retry", retry), zap.Error(cause))
}

// giveUpLocked fails every command that is still waiting for a link.
func (r *Runtime) giveUpLocked(err error) {
	r.reconnecting = false
	r.stopBatchTimerLocked()
	for _, c := range r.drainLocked(false) {
		if c.fail(err) {
			r.stats.failed.Add(1)
		}
	}
}

// Disconnect closes the link and cancels every queued or active command.
// Disconnecting when not connected does nothing.
func (r *Runtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateConnected && !r.reconnecting {
		// the dispatcher outlives a lost link until here
		stop, done := r.runCancel, r.runDone
		r.runCancel, r.runDone = nil, nil
		r.mu.Unlock()
		if stop != nil {
			stop()
			<-done
		}
		return nil
	}
	r.state = StateDisconnected
	r.reconnecting = false
	r.reconnectAttempts = 0
	r.stopReconnectLocked()
	r.stopBatchTimerLocked()
	cancelled := r.drainLocked(true)
	stop, done := r.runCancel, r.runDone
	r.runCancel, r.runDone = nil, nil
	r.mu.Unlock()

	cause := NewError(KindInvalidState, "disconnect", ErrCancelled)
	for _, c := range cancelled {
		if c.cancel(cause) {
			r.stats.cancelled.Add(1)
		}
	}

	var err error
	if cerr := r.behavior.Close(ctx); cerr != nil {
		err = multierr.Append(err, NewError(KindDisconnectionFailed, "disconnect", cerr))
	}
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, NewError(KindDisconnectionFailed, "disconnect", ctx.Err()))
		}
	}
	r.logger.Info("Disconnected", zap.Int("cancelled", len(cancelled)))
	return err
}

// drainLocked empties the queue and outbox, and the active set too when
// includeActive is set.
func (r *Runtime) drainLocked(includeActive bool) []*CommandContext {
	var out []*CommandContext
	out = append(out, r.queue...)
	for _, b := range r.outbox {
		out = append(out, b...)
	}
	r.queue, r.outbox = nil, nil
	if includeActive {
		for id, c := range r.active {
			out = append(out, c)
			delete(r.active, id)
		}
	}
	return out
}

// SendCommand submits a single command and waits for its result.
func (r *Runtime) SendCommand(ctx context.Context, payload any) (any, error) {
	if payload == nil {
		return nil, NewError(KindValidationFailed, "send command", errors.New("command is nil"))
	}
	cmds, err := r.submit([]any{payload})
	if err != nil {
		return nil, err
	}
	return r.wait(ctx, cmds[0])
}

// SendBatch submits payloads together and waits for all of them. On failure
// the first error is returned.
func (r *Runtime) SendBatch(ctx context.Context, payloads []any) ([]any, error) {
	if len(payloads) == 0 {
		return nil, NewError(KindValidationFailed, "send batch", errors.New("batch is empty"))
	}
	for i, p := range payloads {
		if p == nil {
			return nil, NewError(KindValidationFailed, "send batch", fmt.Errorf("command %d is nil", i))
		}
	}
	cmds, err := r.submit(payloads)
	if err != nil {
		return nil, err
	}

	results := make([]any, len(cmds))
	var firstErr error
	failed := 0
	for i, c := range cmds {
		res, err := r.wait(ctx, c)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[i] = res
	}
	if firstErr != nil {
		return nil, fmt.Errorf("%d of %d commands failed: %w", failed, len(cmds), firstErr)
	}
	return results, nil
}

// Submit queues payload and returns its context without waiting.
func (r *Runtime) Submit(payload any) (*CommandContext, error) {
	if payload == nil {
		return nil, NewError(KindValidationFailed, "submit", errors.New("command is nil"))
	}
	cmds, err := r.submit([]any{payload})
	if err != nil {
		return nil, err
	}
	return cmds[0], nil
}

func (r *Runtime) submit(payloads []any) ([]*CommandContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateConnected && !r.reconnecting {
		return nil, NewError(KindInvalidState, "submit", fmt.Errorf("runtime is %v", r.state))
	}
	if r.caps.HalfDuplex {
		if len(payloads) > 1 {
			return nil, NewError(KindInvalidState, "submit",
				fmt.Errorf("half-duplex link takes one command at a time, got %d", len(payloads)))
		}
		if r.busyLocked() {
			return nil, NewError(KindInvalidState, "submit", errors.New("a command is already pending on the half-duplex link"))
		}
	}
	cmds := make([]*CommandContext, 0, len(payloads))
	for _, p := range payloads {
		c := newCommand(p)
		cmds = append(cmds, c)
		r.queue = append(r.queue, c)
		r.stats.submitted.Add(1)
		if len(r.queue) >= r.batchSize {
			r.flushLocked()
		}
	}
	if len(r.queue) > 0 && r.batchTimer == nil {
		r.batchGen++
		gen := r.batchGen
		r.batchTimer = time.AfterFunc(r.opts.BatchTimeout, func() { r.flushAfterTimeout(gen) })
	}
	return cmds, nil
}

// busyLocked reports whether a command is queued or in flight. Active
// commands stay in the set briefly after they settle, those do not count.
func (r *Runtime) busyLocked() bool {
	if len(r.queue) > 0 {
		return true
	}
	for _, b := range r.outbox {
		if len(b) > 0 {
			return true
		}
	}
	for _, c := range r.active {
		if !c.Status().Terminal() {
			return true
		}
	}
	return false
}

func (r *Runtime) flushAfterTimeout(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.batchGen || r.batchTimer == nil {
		return
	}
	r.batchTimer = nil
	r.flushLocked()
}

// flushLocked moves the whole queue into the outbox as batches.
func (r *Runtime) flushLocked() {
	r.stopBatchTimerLocked()
	for len(r.queue) > 0 {
		n := min(len(r.queue), r.batchSize)
		batch := make([]*CommandContext, n)
		copy(batch, r.queue[:n])
		r.outbox = append(r.outbox, batch)
		r.queue = r.queue[n:]
	}
	r.queue = nil
	r.signal()
}

func (r *Runtime) stopBatchTimerLocked() {
	if r.batchTimer != nil {
		r.batchTimer.Stop()
		r.batchTimer = nil
	}
}

func (r *Runtime) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// wait blocks until c settles. A caller giving up on a command that has not
// been transmitted yet removes it from the queue.
func (r *Runtime) wait(ctx context.Context, c *CommandContext) (any, error) {
	select {
	case <-c.Done():
		return c.Result()
	case <-ctx.Done():
		if r.dequeue(c) && c.cancel(ctx.Err()) {
			r.stats.cancelled.Add(1)
		}
		return nil, ctx.Err()
	}
}

func (r *Runtime) dequeue(c *CommandContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == c {
			r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
			return true
		}
	}
	for bi, b := range r.outbox {
		for i, q := range b {
			if q == c {
				r.outbox[bi] = append(b[:i:i], b[i+1:]...)
				return true
			}
		}
	}
	return false
}

// run is the dispatcher: it transmits batches one after another.
func (r *Runtime) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for ctx.Err() == nil {
			batch := r.nextBatch()
			if batch == nil {
				break
			}
			r.process(ctx, batch)
		}
	}
}

func (r *Runtime) nextBatch() []*CommandContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected {
		return nil
	}
	for len(r.outbox) > 0 {
		batch := r.outbox[0]
		r.outbox = r.outbox[1:]
		if len(batch) == 0 {
			continue
		}
		for _, c := range batch {
			r.active[c.ID] = c
		}
		return batch
	}
	return nil
}

func (r *Runtime) process(ctx context.Context, batch []*CommandContext) {
	defer func() {
		r.mu.Lock()
		for _, c := range batch {
			delete(r.active, c.ID)
		}
		r.mu.Unlock()
	}()

	live := batch[:0:0]
	for _, c := range batch {
		if c.markSent() {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return
	}
	r.stats.batches.Add(1)

	if bs, ok := r.behavior.(BatchSender); ok && r.caps.Batching && len(live) > 1 {
		r.sendNative(ctx, bs, live)
		return
	}
	r.sendIndividually(ctx, live)
}

func (r *Runtime) sendNative(ctx context.Context, bs BatchSender, live []*CommandContext) {
	payloads := make([]any, len(live))
	for i, c := range live {
		payloads[i] = c.Payload
	}
	results, err := bs.SendBatch(ctx, payloads)
	if err == nil && len(results) != len(live) {
		err = NewError(KindDecodingFailed, "send batch",
			fmt.Errorf("got %d results for %d commands", len(results), len(live)))
	}
	if err != nil {
		r.failAll(live, classify("send batch", err))
		return
	}
	for i, c := range live {
		if c.succeed(results[i]) {
			r.stats.succeeded.Add(1)
		}
	}
}

// sendIndividually transmits each command on its own. A transport failure
// fails the whole batch with the same cause and stops further transmissions.
func (r *Runtime) sendIndividually(ctx context.Context, live []*CommandContext) {
	results := make([]any, len(live))
	errs := make([]error, len(live))

	var mu sync.Mutex
	var cause error
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cause != nil
	}

	p := pool.New().WithMaxGoroutines(r.caps.concurrency())
	for i, c := range live {
		i, c := i, c
		p.Go(func() {
			if aborted() {
				return
			}
			results[i], errs[i] = r.sendWithRetry(ctx, c)
			if errs[i] != nil && transportFailure(errs[i]) {
				mu.Lock()
				if cause == nil {
					cause = errs[i]
				}
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if cause != nil {
		r.failAll(live, cause)
		return
	}
	for i, c := range live {
		if errs[i] != nil {
			if c.fail(errs[i]) {
				r.stats.failed.Add(1)
			}
			continue
		}
		if c.succeed(results[i]) {
			r.stats.succeeded.Add(1)
		}
	}
}

func (r *Runtime) sendWithRetry(ctx context.Context, c *CommandContext) (any, error) {
	for attempt := 0; ; attempt++ {
		res, err := r.behavior.Send(ctx, c.Payload)
		if err == nil {
			return res, nil
		}
		err = classify("send command", err)
		if KindOf(err) != KindTimeout || attempt >= r.opts.Retries || ctx.Err() != nil {
			return nil, err
		}
		if !c.markRetrying() || !c.markSent() {
			return nil, err
		}
		r.stats.retried.Add(1)
		r.logger.Debug("Retrying command", zap.String("command_id", c.ID), zap.Int("attempt", attempt+2))
	}
}

func (r *Runtime) failAll(cmds []*CommandContext, err error) {
	for _, c := range cmds {
		if c.fail(err) {
			r.stats.failed.Add(1)
		}
	}
	r.logger.Debug("Batch failed", zap.Int("commands", len(cmds)), zap.Error(err))
}

// classify makes sure err carries a Kind.
func classify(op string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindConnectionLost, op, err)
	}
	return NewError(KindCommandFailed, op, err)
}
