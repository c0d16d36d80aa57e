package hub

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"

	"github.com/danmuck/tcphub/internal/clock"
	"github.com/danmuck/tcphub/internal/failover"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
	"github.com/danmuck/tcphub/internal/protocol/session"
)

// State is the connection state owned by the reader goroutine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateListener observes state transitions. It runs on the goroutine making the transition,
// sometimes under the write lock, and must not call back into the hub's write path.
type StateListener func(from, to State, addr failover.Address)

// Dialer opens the TCP connection to one address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type options struct {
	clock    clock.Clock
	codec    protocol.Codec
	sink     metrics.MetricSink
	labels   []metrics.Label
	identity session.Provider
	listener StateListener
	registry *Registry
	dialer   Dialer
}

type Option func(*options)

// WithClock sets the clock for tids, heartbeats and failover timing. A failover list built outside
// OpenService should use the same clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithCodec(c protocol.Codec) Option { return func(o *options) { o.codec = c } }

// WithMetricSink sets where hub telemetry goes; labels are attached to every metric.
func WithMetricSink(sink metrics.MetricSink, labels ...metrics.Label) Option {
	return func(o *options) {
		o.sink = sink
		o.labels = append(o.labels, labels...)
	}
}

// WithSessionProvider sets the identity written as a userid handshake after each connect.
func WithSessionProvider(p session.Provider) Option { return func(o *options) { o.identity = p } }

func WithStateListener(l StateListener) Option { return func(o *options) { o.listener = l } }

// WithRegistry enrolls the hub so the registry can close or audit it.
func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// Hub multiplexes requests and subscriptions for one remote service over one TCP connection.
type Hub struct {
	cfg      Config
	name     string
	addrs    *failover.List
	codec    protocol.Codec
	clock    clock.Clock
	msink    metrics.MetricSink
	labels   []metrics.Label
	identity session.Provider
	listener StateListener
	registry *Registry
	dialer   Dialer
	rng      *rand.Rand

	// writeMu serializes fill-and-flush of out. Connection establishment holds it through the
	// handshake and resubscription.
	writeMu sync.Mutex
	out     Writer

	// connMu guards conn publication and the deferred-subscribe check.
	connMu   sync.Mutex
	conn     net.Conn
	connAddr failover.Address
	ready    chan struct{}

	state   atomic.Int32
	waiters *waiterTable

	lastTID      atomic.Int64
	lastReceived atomic.Int64
	lastPingSent atomic.Int64
	largestWrite atomic.Int64

	closeAckMu sync.Mutex
	closeAck   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open starts a hub for the addresses in addrs. The reader goroutine begins connecting
// immediately; callers may subscribe or wait with AwaitConnected before the first connect.
func Open(cfg Config, addrs *failover.List, opts ...Option) (*Hub, error) {
	if addrs == nil || addrs.Len() == 0 {
		return nil, ErrNoAddresses
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collect(opts)
	if cfg.Name == "" {
		cfg.Name = addrs.Name()
	}

	h := &Hub{
		cfg:      cfg,
		name:     cfg.Name,
		addrs:    addrs,
		codec:    o.codec,
		clock:    o.clock,
		msink:    o.sink,
		identity: o.identity,
		listener: o.listener,
		registry: o.registry,
		dialer:   o.dialer,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ready:    make(chan struct{}),
		waiters:  newWaiterTable(),
	}
	h.labels = append([]metrics.Label{LabelHub.M(cfg.Name)}, o.labels...)
	h.out = newWriter(h.codec, cfg.frameLimits(), cfg.WriteBufferSize)
	if h.dialer == nil {
		d := net.Dialer{Timeout: cfg.dialTimeout()}
		h.dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	if h.registry != nil {
		h.registry.add(h)
	}

	logs.Infof("hub.Open name=%s addrs=%s", h.name, addrs)
	h.wg.Add(2)
	go h.run()
	go h.monitor()
	return h, nil
}

// OpenService resolves descriptions through r and opens a hub named serviceName. The failover
// list uses cfg.FailoverTimeout and the clock given in opts.
func OpenService(cfg Config, serviceName string, descriptions []string, r failover.Resolver, opts ...Option) (*Hub, error) {
	o := collect(opts)
	timeout := cfg.FailoverTimeout
	if timeout <= 0 {
		timeout = DefaultFailoverTimeout
	}
	list, err := failover.New(serviceName, descriptions, r, failover.Options{Timeout: timeout, Clock: o.clock})
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = serviceName
	}
	return Open(cfg, list, opts...)
}

func collect(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.codec == nil {
		o.codec = protocol.TLVCodec{}
	}
	if o.sink == nil {
		o.sink = &metrics.BlackholeSink{}
	}
	return o
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) Config() Config { return h.cfg }

func (h *Hub) Codec() protocol.Codec { return h.codec }

func (h *Hub) State() State { return State(h.state.Load()) }

func (h *Hub) IsClosed() bool { return h.closed.Load() }

// Address returns the address of the live connection.
func (h *Hub) Address() (failover.Address, bool) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.connAddr, h.conn != nil
}

// LargestWrite returns the largest single flush in bytes.
func (h *Hub) LargestWrite() int64 { return h.largestWrite.Load() }

// NextTransactionID returns a tid >= max(nowMs, last+1). It never returns 0.
func (h *Hub) NextTransactionID(nowMs int64) int64 {
	for {
		last := h.lastTID.Load()
		next := max(nowMs, last+1, 1)
		if h.lastTID.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (h *Hub) nowMs() int64 { return clock.Millis(h.clock) }

// WithWriteLock runs fn under the write lock and flushes what it wrote. It returns false when
// the lock is busy in try mode, when there is no connection, or when fn or the flush fails. A
// failed flush tears the connection down.
func (h *Hub) WithWriteLock(fn func(w *Writer) error, blocking bool) bool {
	return h.writeLocked(fn, blocking) == nil
}

func (h *Hub) writeLocked(fn func(w *Writer) error, blocking bool) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if blocking {
		h.writeMu.Lock()
	} else if !h.writeMu.TryLock() {
		return ErrWriteBusy
	}
	defer h.writeMu.Unlock()

	conn := h.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	h.out.reset()
	if err := fn(&h.out); err != nil {
		logs.Warnf("hub.Hub.writeLocked writer failed hub=%s err=%v", h.name, err)
		return err
	}
	if err := h.flush(conn, &h.out); err != nil {
		logs.Errf("hub.Hub.writeLocked flush failed hub=%s err=%v", h.name, err)
		h.dropConnection(conn, "write")
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	}
	return nil
}

func (h *Hub) currentConn() net.Conn {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.conn
}

// AwaitConnected blocks until a connection is published, ctx ends, or the hub closes.
func (h *Hub) AwaitConnected(ctx context.Context) error {
	for {
		h.connMu.Lock()
		conn, ready := h.conn, h.ready
		h.connMu.Unlock()
		if conn != nil {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.ctx.Done():
			return ErrHubClosed
		}
	}
}

// Subscribe registers sub. With no connection a durable subscription is recorded for replay on
// the next connect and a temporary one is closed immediately with ErrNotConnected. With a
// connection the subscription is recorded and applied under the write lock, so it is registered
// before any reply can arrive.
func (h *Hub) Subscribe(sub Subscription, tryLock bool) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	for {
		h.connMu.Lock()
		if h.conn == nil {
			if sub.Kind() == Temporary {
				h.connMu.Unlock()
				h.safeClose(sub)
				return ErrNotConnected
			}
			err := h.waiters.addSubscription(sub)
			h.connMu.Unlock()
			if err == nil {
				logs.Debugf("hub.Hub.Subscribe deferred hub=%s tid=%d kind=%s", h.name, sub.TID(), sub.Kind())
			}
			return err
		}
		h.connMu.Unlock()

		registered := false
		err := h.writeLocked(func(w *Writer) error {
			if err := h.waiters.addSubscription(sub); err != nil {
				return err
			}
			registered = true
			return sub.Apply(w)
		}, !tryLock)
		switch {
		case err == nil:
			return nil
		case registered && errors.Is(err, ErrConnectionDropped):
			// Durable entries replay on reconnect and temporary ones were closed by the teardown.
			if sub.Kind() == Durable {
				return nil
			}
			return err
		case registered:
			h.waiters.remove(sub.TID())
			return err
		case errors.Is(err, ErrNotConnected):
			continue
		default:
			return err
		}
	}
}

// Unsubscribe removes tid locally. Sending an unsubscribe request is the caller's job.
func (h *Hub) Unsubscribe(tid int64) {
	if e, ok := h.waiters.remove(tid); ok {
		logs.Debugf("hub.Hub.Unsubscribe hub=%s tid=%d kind=%s", h.name, tid, e.kind)
	}
}

// PreventSubscribeUponReconnect drops tid before the next resubscription pass, for callers that
// sent an unsubscribe the server has not acknowledged yet.
func (h *Hub) PreventSubscribeUponReconnect(tid int64) {
	h.waiters.markPrevented(tid)
}

// Request sends one request on target and waits for the first data frame for its tid. A zero
// tid allocates a fresh one; a zero timeout uses Config.RequestTimeout. The wait for a connection
// counts against the timeout.
func (h *Hub) Request(
	ctx context.Context,
	target protocol.Target,
	tid int64,
	write func(doc *protocol.Document),
	timeout time.Duration,
) (Reply, error) {
	if h.closed.Load() {
		return Reply{}, ErrHubClosed
	}
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.AwaitConnected(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.incr(MetricRequestTimeoutCount)
			return Reply{}, fmt.Errorf("%w: %w after %s", ErrTimeout, ErrNotConnected, timeout)
		}
		return Reply{}, err
	}
	if tid == 0 {
		tid = h.NextTransactionID(h.nowMs())
	}

	call := newPendingCall(tid)
	var regErr error
	err := h.writeLocked(func(w *Writer) error {
		if err := h.waiters.addCall(call); err != nil {
			regErr = err
			return err
		}
		if err := w.WriteRequestHeader(tid, target); err != nil {
			return err
		}
		return w.WriteData(requestDocument(write), true)
	}, true)
	if err != nil {
		h.waiters.dropCall(call)
		if regErr != nil {
			return Reply{}, regErr
		}
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionDropped) {
			return Reply{}, fmt.Errorf("%w: tid=%d", ErrConnectionDropped, tid)
		}
		return Reply{}, err
	}
	return h.await(ctx, call, timeout)
}

// BlockingRequest registers a waiter for tid and blocks until its first data frame arrives. The
// request itself must be written separately, for example with WithWriteLock; a reply that beats
// the registration is held by the reader for up to Config.UnknownTIDWait.
func (h *Hub) BlockingRequest(ctx context.Context, tid int64, timeout time.Duration) (Reply, error) {
	if h.closed.Load() {
		return Reply{}, ErrHubClosed
	}
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := newPendingCall(tid)
	h.writeMu.Lock()
	conn := h.currentConn()
	var err error
	if conn != nil {
		err = h.waiters.addCall(call)
	}
	h.writeMu.Unlock()
	if conn == nil {
		return Reply{}, fmt.Errorf("%w: tid=%d", ErrNotConnected, tid)
	}
	if err != nil {
		return Reply{}, err
	}
	return h.await(ctx, call, timeout)
}

func (h *Hub) await(ctx context.Context, call *pendingCall, timeout time.Duration) (Reply, error) {
	h.gaugeWaiters()
	select {
	case res := <-call.ch:
		return res.reply, res.err
	case <-ctx.Done():
		h.waiters.abandonCall(call, h.nowMs())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			h.incr(MetricRequestTimeoutCount)
			logs.Warnf("hub.Hub.await timeout hub=%s tid=%d timeout=%s", h.name, call.tid, timeout)
			return Reply{}, fmt.Errorf("%w: tid=%d after %s", ErrTimeout, call.tid, timeout)
		}
		return Reply{}, ctx.Err()
	}
}

// Close stops the hub. It optionally performs the close handshake, stops the reader, fails every
// pending call, and closes every subscription that has not already been closed. It is idempotent.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		logs.Infof("hub.Hub.Close hub=%s state=%s", h.name, h.State())
		h.closing.Store(true)
		if h.cfg.CloseHandshake {
			h.sendCloseMessage()
		}
		h.closed.Store(true)
		h.cancel()
		if conn := h.currentConn(); conn != nil {
			h.dropConnection(conn, "closed")
		}
		h.wg.Wait()
		h.notifyAll(ErrHubClosed)
		h.setState(Disconnected)
		if h.registry != nil {
			h.registry.remove(h)
		}
	})
	return nil
}

func (h *Hub) sendCloseMessage() {
	ack := make(chan struct{})
	h.closeAckMu.Lock()
	h.closeAck = ack
	h.closeAckMu.Unlock()

	err := h.writeLocked(func(w *Writer) error {
		if err := w.WriteSystemHeader(); err != nil {
			return err
		}
		return w.WriteData(protocol.NewDocument(protocol.NewFieldString(schema.EventOnClientClosing, "")), true)
	}, true)
	if err != nil {
		logs.Debugf("hub.Hub.sendCloseMessage skipped hub=%s err=%v", h.name, err)
		return
	}
	timer := time.NewTimer(h.cfg.CloseAckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		logs.Debugf("hub.Hub.sendCloseMessage acknowledged hub=%s", h.name)
	case <-timer.C:
		logs.Warnf("hub.Hub.sendCloseMessage no onClosingReply hub=%s within=%s", h.name, h.cfg.CloseAckTimeout)
	}
}

func (h *Hub) signalCloseAck() {
	h.closeAckMu.Lock()
	defer h.closeAckMu.Unlock()
	if h.closeAck != nil {
		close(h.closeAck)
		h.closeAck = nil
	}
}

func (h *Hub) setState(to State) {
	from := State(h.state.Swap(int32(to)))
	if from == to {
		return
	}
	addr, _ := h.Address()
	logs.Debugf("hub.Hub.setState hub=%s from=%s to=%s addr=%s", h.name, from, to, addr)
	if h.listener != nil {
		h.listener(from, to, addr)
	}
}

// dropConnection unpublishes conn if it is still current, closes it, and notifies every waiter.
func (h *Hub) dropConnection(conn net.Conn, reason string) {
	h.connMu.Lock()
	if h.conn != conn {
		h.connMu.Unlock()
		_ = conn.Close()
		return
	}
	addr := h.connAddr
	h.conn = nil
	h.connAddr = failover.Address{}
	h.ready = make(chan struct{})
	h.connMu.Unlock()

	_ = conn.Close()
	h.setState(Disconnected)
	h.incr(MetricDisconnectCount, LabelReason.M(reason), LabelAddr.M(addr.HostPort))
	logs.Warnf("hub.Hub.dropConnection hub=%s addr=%s reason=%s", h.name, addr, reason)
	h.notifyAll(fmt.Errorf("%w: %s", ErrConnectionDropped, reason))
}

// notifyAll fails pending calls and closes subscriptions that have not been told yet.
func (h *Hub) notifyAll(cause error) {
	for _, e := range h.waiters.claimNotify() {
		h.notifyEntry(e, cause)
	}
	h.gaugeWaiters()
}

func (h *Hub) notifyEntry(e *entry, cause error) {
	switch e.kind {
	case entryCall:
		e.call.resolve(callResult{err: cause})
	default:
		h.safeClose(e.sub)
	}
}

func (h *Hub) gaugeWaiters() {
	calls, subs := h.waiters.counts()
	h.gauge(MetricPendingCallsGauge, float32(calls))
	h.gauge(MetricLiveSubscriptionsGauge, float32(subs))
}

func (h *Hub) safeClose(sub Subscription) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("hub.Hub.safeClose panic hub=%s tid=%d recovered=%v", h.name, sub.TID(), r)
		}
	}()
	sub.OnClose()
}

func (h *Hub) safeData(sub Subscription, r Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errf("hub.Hub.safeData panic hub=%s tid=%d recovered=%v", h.name, sub.TID(), rec)
		}
	}()
	sub.OnData(r)
}

// trace dumps raw frame bytes at trace level.
func (h *Hub) trace(dir string, raw []byte) {
	if !logs.Enabled(zerolog.TraceLevel) {
		return
	}
	logs.Tracef("hub.Hub.trace hub=%s dir=%s bytes=%d\n%s", h.name, dir, len(raw), hex.Dump(raw))
}
