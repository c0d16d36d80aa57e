package hub

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/tcphub/internal/echo"
	"github.com/danmuck/tcphub/internal/failover"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
	"github.com/danmuck/tcphub/internal/protocol/session"
	"github.com/danmuck/tcphub/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.RequestTimeout = 2 * time.Second
	cfg.RetryBackoff = session.FixedBackoff(10 * time.Millisecond)
	cfg.FailoverTimeout = 100 * time.Millisecond
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.UnknownTIDWait = 500 * time.Millisecond
	cfg.CloseAckTimeout = 200 * time.Millisecond
	// Tests call CheckHeartbeat themselves.
	cfg.MonitorInterval = time.Hour
	return cfg
}

func serveEcho(t *testing.T, ln net.Listener) *echo.Server {
	t.Helper()
	srv := echo.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

func startEcho(t *testing.T) (*echo.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveEcho(t, ln), ln.Addr().String()
}

// reservePort returns a loopback address nothing listens on.
func reservePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func openHub(t *testing.T, cfg Config, hostPorts []string, opts ...Option) *Hub {
	t.Helper()
	addrs := make([]failover.Address, len(hostPorts))
	for i, hp := range hostPorts {
		addrs[i] = failover.Address{HostPort: hp}
	}
	list, err := failover.NewFromAddresses(cfg.Name, addrs, failover.Options{Timeout: cfg.FailoverTimeout})
	require.NoError(t, err)
	h, err := Open(cfg, list, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func awaitConnected(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.AwaitConnected(ctx))
}

func message(text string) func(*protocol.Document) {
	return func(d *protocol.Document) {
		d.Add(protocol.NewFieldString(schema.FieldMessage, text))
	}
}

func counter(sink *metrics.InmemSink, key []string) int {
	name := strings.Join(key, ".")
	total := 0
	for _, intv := range sink.Data() {
		intv.RLock()
		for _, sv := range intv.Counters {
			if sv.Name == name {
				total += sv.Count
			}
		}
		intv.RUnlock()
	}
	return total
}

type stateLog struct {
	mu  sync.Mutex
	seq []State
}

func (l *stateLog) listen(_, to State, _ failover.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = append(l.seq, to)
}

func (l *stateLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.seq {
		if v == s {
			n++
		}
	}
	return n
}

func TestNextTransactionIDConcurrentUnique(t *testing.T) {
	testlog.Start(t)
	h := &Hub{}
	const callers, calls = 16, 2000

	results := make([][]int64, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			out := make([]int64, 0, calls)
			for range calls {
				out = append(out, h.NextTransactionID(5))
			}
			results[i] = out
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]struct{}, callers*calls)
	for _, out := range results {
		for j, tid := range out {
			require.GreaterOrEqual(t, tid, int64(5))
			if j > 0 {
				require.Greater(t, tid, out[j-1], "tids must increase in call order")
			}
			seen[tid] = struct{}{}
		}
	}
	require.Len(t, seen, callers*calls)
}

func TestNextTransactionIDNeverZero(t *testing.T) {
	testlog.Start(t)
	h := &Hub{}
	require.Equal(t, int64(1), h.NextTransactionID(0))
	require.Equal(t, int64(2), h.NextTransactionID(-50))
	require.Equal(t, int64(1000), h.NextTransactionID(1000))
	require.Equal(t, int64(1001), h.NextTransactionID(1000))
}

func TestEchoBlockingRequest(t *testing.T) {
	testlog.Start(t)
	_, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr})
	awaitConnected(t, h)

	const tid = int64(1001)
	req := protocol.NewDocument(protocol.NewFieldString(schema.FieldMessage, "ping"))
	require.True(t, h.WithWriteLock(func(w *Writer) error {
		if err := w.WriteRequestHeader(tid, protocol.Service(echo.ServiceEcho)); err != nil {
			return err
		}
		return w.WriteData(req, true)
	}, true))

	start := time.Now()
	reply, err := h.BlockingRequest(context.Background(), tid, 5*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, tid, reply.TID)
	require.True(t, reply.Last)

	want, err := protocol.TLVCodec{}.Encode(req)
	require.NoError(t, err)
	require.Equal(t, want, reply.Payload)
}

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr})

	reply, err := h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 0, message("hello"), 0)
	require.NoError(t, err)
	text, err := reply.Doc.Text(schema.FieldMessage)
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.NotZero(t, reply.TID)
	require.Equal(t, 1, srv.Requests(echo.ServiceEcho))
}

func TestRequestTimeoutWindow(t *testing.T) {
	testlog.Start(t)
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	_, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr}, WithMetricSink(sink))
	awaitConnected(t, h)

	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := h.Request(context.Background(), protocol.Service(echo.ServiceVoid), 0, message("x"), timeout)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotErrorIs(t, err, ErrConnectionDropped)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+time.Second)
	require.Equal(t, Connected, h.State())
	require.Equal(t, 1, counter(sink, MetricRequestTimeoutCount))

	_, err = h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 0, message("after"), 0)
	require.NoError(t, err)
}

func TestRequestNeverConnected(t *testing.T) {
	testlog.Start(t)
	h := openHub(t, testConfig(), []string{reservePort(t)})

	_, err := h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 0, message("x"), 150*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrNotConnected)
	require.NotErrorIs(t, err, ErrConnectionDropped)
}

func TestBlockingRequestWithoutConnection(t *testing.T) {
	testlog.Start(t)
	h := openHub(t, testConfig(), []string{reservePort(t)})
	_, err := h.BlockingRequest(context.Background(), 7, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDuplicateTIDRejected(t *testing.T) {
	testlog.Start(t)
	_, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr})
	awaitConnected(t, h)

	sub := NewDurable(42, protocol.Service(echo.ServiceTicks), message("sub"), nil, nil)
	require.NoError(t, h.Subscribe(sub, false))
	_, err := h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 42, message("x"), 0)
	require.ErrorIs(t, err, ErrDuplicateTID)
	require.ErrorIs(t, h.Subscribe(NewTemporary(0, protocol.Service(echo.ServiceTicks), message("x"), nil, nil), false), ErrReservedTID)
}

func TestWithWriteLockTryModeAndNoSocket(t *testing.T) {
	testlog.Start(t)
	h := openHub(t, testConfig(), []string{reservePort(t)})
	called := false
	require.False(t, h.WithWriteLock(func(*Writer) error { called = true; return nil }, true))
	require.False(t, called, "fn must not run without a socket")

	_, addr := startEcho(t)
	h2 := openHub(t, testConfig(), []string{addr})
	awaitConnected(t, h2)

	h2.writeMu.Lock()
	require.False(t, h2.WithWriteLock(func(*Writer) error { return nil }, false))
	h2.writeMu.Unlock()
	require.True(t, h2.WithWriteLock(func(w *Writer) error {
		if err := w.WriteAsyncHeader(protocol.Service(echo.ServiceVoid)); err != nil {
			return err
		}
		return w.WriteData(protocol.NewDocument(protocol.NewFieldString(schema.FieldMessage, "async")), true)
	}, false))
	require.Positive(t, h2.LargestWrite())
}

func TestSeveredConnectionNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	srv, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr})
	awaitConnected(t, h)

	var durableClosed, tempClosed atomic.Int32
	durable := NewDurable(101, protocol.Service(echo.ServiceTicks), message("d"), nil, func() { durableClosed.Add(1) })
	temp := NewTemporary(102, protocol.Service(echo.ServiceTicks), message("t"), nil, func() { tempClosed.Add(1) })
	require.NoError(t, h.Subscribe(durable, false))
	require.NoError(t, h.Subscribe(temp, false))
	require.Eventually(t, func() bool { return len(srv.Subscriptions()) == 2 }, 2*time.Second, 5*time.Millisecond)

	const callers = 4
	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := h.Request(context.Background(), protocol.Service(echo.ServiceVoid), 0, message("x"), 5*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		calls, _ := h.waiters.counts()
		return calls == callers
	}, 2*time.Second, 5*time.Millisecond)

	srv.DropConnections()
	for range callers {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionDropped)
		case <-time.After(3 * time.Second):
			t.Fatal("pending call was not failed")
		}
	}
	require.Eventually(t, func() bool { return durableClosed.Load() == 1 && tempClosed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The durable subscription comes back; the temporary one does not.
	require.Eventually(t, func() bool { return len(srv.Subscriptions()) == 3 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(101), srv.Subscriptions()[2])

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Equal(t, int32(2), durableClosed.Load(), "one close per connection the subscription was live on")
	require.Equal(t, int32(1), tempClosed.Load())
}

func TestTemporarySubscribeWhileDisconnected(t *testing.T) {
	testlog.Start(t)
	h := openHub(t, testConfig(), []string{reservePort(t)})
	closed := 0
	err := h.Subscribe(NewTemporary(9, protocol.Service(echo.ServiceTicks), message("t"), nil, func() { closed++ }), false)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1, closed)
}

func TestCloseHandshakeAndHubRegistry(t *testing.T) {
	testlog.Start(t)
	srv, addr := startEcho(t)
	reg := NewRegistry()
	cfg := testConfig()
	h := openHub(t, cfg, []string{addr}, WithRegistry(reg))
	cfg.Name = "other"
	other := openHub(t, cfg, []string{reservePort(t)}, WithRegistry(reg))
	awaitConnected(t, h)
	require.Equal(t, 2, reg.Len())
	require.ErrorContains(t, reg.AssertAllClosed(), "test")

	require.NoError(t, reg.CloseAll())
	require.NoError(t, reg.AssertAllClosed())
	require.True(t, h.IsClosed())
	require.True(t, other.IsClosed())
	require.Equal(t, int64(1), srv.Closings())

	_, err := h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 0, message("x"), 0)
	require.ErrorIs(t, err, ErrHubClosed)
	require.ErrorIs(t, h.AwaitConnected(context.Background()), ErrHubClosed)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	_, addr := startEcho(t)
	cfg := testConfig()
	cfg.CloseHandshake = false
	h := openHub(t, cfg, []string{addr})
	awaitConnected(t, h)

	errs := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), protocol.Service(echo.ServiceVoid), 0, message("x"), 5*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		calls, _ := h.waiters.counts()
		return calls == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.Close())
	err := <-errs
	require.True(t, errors.Is(err, ErrConnectionDropped) || errors.Is(err, ErrHubClosed), "err=%v", err)
	require.Equal(t, Disconnected, h.State())
}

func TestSessionIdentityHandshake(t *testing.T) {
	testlog.Start(t)
	srv, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr}, WithSessionProvider(session.Static("alice")))
	awaitConnected(t, h)
	require.Eventually(t, func() bool { return len(srv.UserIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"alice"}, srv.UserIDs())

	srv.DropConnections()
	require.Eventually(t, func() bool { return len(srv.UserIDs()) == 2 }, 3*time.Second, 5*time.Millisecond)
	_, err := h.Request(context.Background(), protocol.Service(echo.ServiceEcho), 0, message("x"), 0)
	require.NoError(t, err)
}

func TestOpenRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	_, err := Open(testConfig(), nil)
	require.ErrorIs(t, err, ErrNoAddresses)

	cfg := testConfig()
	cfg.HeartbeatPingPeriod = cfg.HeartbeatTimeout
	list, err := failover.NewFromAddresses("x", []failover.Address{{HostPort: "127.0.0.1:1"}}, failover.Options{})
	require.NoError(t, err)
	_, err = Open(cfg, list)
	require.ErrorIs(t, err, errInvalidConfig)
}
