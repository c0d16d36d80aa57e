package hub

import (
	"context"
	"net"
	"time"

	"github.com/danmuck/tcphub/internal/failover"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol/session"
)

// run is the reader goroutine: connect, read until the connection fails, repeat until Close.
func (h *Hub) run() {
	defer h.wg.Done()
	for h.ctx.Err() == nil {
		if h.closing.Load() {
			<-h.ctx.Done()
			return
		}
		conn, addr, err := h.connect()
		if err != nil {
			return
		}
		h.readLoop(conn, addr)
	}
}

// connect cycles the failover list until a connection is established or the hub closes. It
// never gives up on its own.
func (h *Hub) connect() (net.Conn, failover.Address, error) {
	h.setState(Connecting)
	for _, e := range h.waiters.purgeNonDurable() {
		h.notifyEntry(e, ErrConnectionDropped)
	}
	h.gaugeWaiters()
	h.addrs.ResetToFirst()

	attempt := 0
	for {
		if err := h.ctx.Err(); err != nil {
			return nil, failover.Address{}, err
		}
		if h.closing.Load() {
			return nil, failover.Address{}, ErrHubClosed
		}
		addr, ok := h.addrs.Current()
		if !ok {
			logs.Debugf("hub.Hub.connect list exhausted hub=%s, wrapping", h.name)
			h.addrs.ResetToFirst()
			attempt = 0
			continue
		}
		attempt++

		conn, err := h.dial(addr)
		if err == nil {
			if err = h.establish(conn, addr); err == nil {
				return conn, addr, nil
			}
			_ = conn.Close()
		}
		h.incr(MetricConnectErrorCount, LabelAddr.M(addr.HostPort))
		logs.Debugf("hub.Hub.connect attempt=%d hub=%s addr=%s err=%v", attempt, h.name, addr, err)

		if h.addrs.Expired(h.clock.Now()) {
			h.addrs.FailoverToNext()
			h.incr(MetricFailoverCount, LabelAddr.M(addr.HostPort))
			next, _ := h.addrs.Current()
			logs.Warnf("hub.Hub.connect failover hub=%s from=%s to=%s", h.name, addr, next)
			attempt = 0
			continue
		}
		if err := session.Sleep(h.ctx, h.cfg.RetryBackoff, attempt, h.rng); err != nil {
			return nil, failover.Address{}, err
		}
	}
}

func (h *Hub) dial(addr failover.Address) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.dialTimeout())
	defer cancel()
	return h.dialer(ctx, addr.HostPort)
}

// establish runs the handshake, publishes conn and replays durable subscriptions, all under the
// write lock so no caller write can precede the handshake.
func (h *Hub) establish(conn net.Conn, addr failover.Address) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	h.lastReceived.Store(h.nowMs())
	h.lastPingSent.Store(0)

	h.out.reset()
	if h.identity != nil {
		if id, ok := h.identity.Identity(); ok {
			if err := h.out.WriteSystemHeader(); err != nil {
				return err
			}
			if err := h.out.WriteData(session.HandshakeDocument(id), true); err != nil {
				return err
			}
		}
	}
	if err := h.flush(conn, &h.out); err != nil {
		logs.Warnf("hub.Hub.establish handshake failed hub=%s addr=%s err=%v", h.name, addr, err)
		return err
	}

	h.connMu.Lock()
	if h.closing.Load() {
		h.connMu.Unlock()
		return ErrHubClosed
	}
	h.conn = conn
	h.connAddr = addr
	close(h.ready)
	h.connMu.Unlock()
	h.setState(Connected)

	for _, tid := range h.waiters.takePrevented() {
		logs.Debugf("hub.Hub.establish skip resubscribe hub=%s tid=%d", h.name, tid)
	}

	h.out.reset()
	replayed := 0
	for _, e := range h.waiters.durables() {
		mark, frames := h.out.Len(), h.out.Frames()
		if err := e.sub.Apply(&h.out); err != nil {
			h.out.truncate(mark, frames)
			logs.Errf("hub.Hub.establish resubscribe failed hub=%s tid=%d err=%v", h.name, e.sub.TID(), err)
			continue
		}
		h.waiters.markApplied(e)
		replayed++
	}
	if err := h.flush(conn, &h.out); err != nil {
		h.dropConnection(conn, "resubscribe")
		return err
	}
	if replayed > 0 {
		h.add(MetricResubscribeCount, replayed)
	}
	h.incr(MetricConnectCount, LabelAddr.M(addr.HostPort))
	h.gaugeWaiters()
	logs.Infof(
		"hub.Hub.establish connected hub=%s addr=%s resubscribed=%d at=%s",
		h.name,
		addr,
		replayed,
		h.clock.Now().Format(time.RFC3339),
	)
	return nil
}
