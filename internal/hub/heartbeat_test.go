package hub

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/tcphub/internal/clock"
	"github.com/danmuck/tcphub/internal/testutil/testlog"
)

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewSimulated(time.UnixMilli(1_000_000))
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	states := &stateLog{}
	srv, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr},
		WithClock(clk), WithMetricSink(sink), WithStateListener(states.listen))
	awaitConnected(t, h)
	srv.SetSilent(true)

	clk.Advance(4999 * time.Millisecond)
	h.CheckHeartbeat()
	require.Zero(t, h.lastPingSent.Load(), "no ping before the ping period")

	clk.Advance(time.Millisecond)
	h.CheckHeartbeat()
	require.Eventually(t, func() bool { return srv.Pings() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A second check inside the same period does not ping again.
	clk.Advance(time.Second)
	h.CheckHeartbeat()
	require.Equal(t, 1, counter(sink, MetricHeartbeatSentCount))

	clk.Advance(13999 * time.Millisecond)
	h.CheckHeartbeat()
	require.Equal(t, Connected, h.State())

	clk.Advance(time.Millisecond)
	h.CheckHeartbeat()
	require.Eventually(t, func() bool { return states.count(Disconnected) >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return states.count(Connecting) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Accepted() == 2 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, counter(sink, MetricHeartbeatTimeoutCount))
}

func TestHeartbeatReplyKeepsConnection(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewSimulated(time.UnixMilli(1_000_000))
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	srv, addr := startEcho(t)
	h := openHub(t, testConfig(), []string{addr}, WithClock(clk), WithMetricSink(sink))
	awaitConnected(t, h)

	for range 4 {
		clk.Advance(5 * time.Second)
		h.CheckHeartbeat()
		want := clk.Now().UnixMilli()
		require.Eventually(t, func() bool { return h.lastReceived.Load() == want }, 2*time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return counter(sink, MetricHeartbeatReplyCount) == 4
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, Connected, h.State())
	require.Equal(t, int64(1), srv.Accepted())
	require.Zero(t, counter(sink, MetricHeartbeatTimeoutCount))
}
