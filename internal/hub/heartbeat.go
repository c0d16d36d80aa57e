package hub

import (
	"time"

	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

// monitor runs CheckHeartbeat every MonitorInterval until the hub closes.
func (h *Hub) monitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.CheckHeartbeat()
		}
	}
}

// CheckHeartbeat pings after HeartbeatPingPeriod of inbound silence and tears the connection
// down after HeartbeatTimeout. It also forgets tids retired more than RetiredTIDTTL ago. It
// reads time from the hub clock.
func (h *Hub) CheckHeartbeat() {
	if n := h.waiters.sweepRetired(h.nowMs() - h.cfg.RetiredTIDTTL.Milliseconds()); n > 0 {
		logs.Debugf("hub.Hub.CheckHeartbeat swept retired tids hub=%s n=%d", h.name, n)
	}
	conn := h.currentConn()
	if conn == nil || h.closing.Load() {
		return
	}
	now := h.nowMs()
	silent := now - h.lastReceived.Load()

	if silent >= h.cfg.HeartbeatTimeout.Milliseconds() {
		h.incr(MetricHeartbeatTimeoutCount)
		logs.Errf("hub.Hub.CheckHeartbeat timeout hub=%s silent_ms=%d", h.name, silent)
		h.dropConnection(conn, "heartbeat")
		return
	}
	period := h.cfg.HeartbeatPingPeriod.Milliseconds()
	last := h.lastPingSent.Load()
	if silent < period || now-last < period {
		return
	}
	if !h.lastPingSent.CompareAndSwap(last, now) {
		return
	}
	ping := &heartbeatSubscription{h: h, tid: h.NextTransactionID(now), sentAt: now}
	if err := h.Subscribe(ping, true); err != nil {
		h.lastPingSent.CompareAndSwap(now, last)
		logs.Debugf("hub.Hub.CheckHeartbeat ping skipped hub=%s err=%v", h.name, err)
		return
	}
	h.incr(MetricHeartbeatSentCount)
	logs.Debugf("hub.Hub.CheckHeartbeat ping hub=%s tid=%d silent_ms=%d", h.name, ping.tid, silent)
}

// heartbeatSubscription is the temporary subscription behind one ping. It owns its send time.
type heartbeatSubscription struct {
	h      *Hub
	tid    int64
	sentAt int64
}

func (s *heartbeatSubscription) TID() int64 { return s.tid }

func (s *heartbeatSubscription) Kind() Kind { return Temporary }

func (s *heartbeatSubscription) Apply(w *Writer) error {
	if err := w.WriteRequestHeader(s.tid, protocol.Target{}); err != nil {
		return err
	}
	return w.WriteData(protocol.NewDocument(protocol.NewFieldInt64(schema.EventHeartbeat, s.sentAt)), true)
}

func (s *heartbeatSubscription) OnData(r Reply) {
	rtt := s.h.nowMs() - s.sentAt
	s.h.incr(MetricHeartbeatReplyCount)
	s.h.sample(MetricHeartbeatRTTMillis, float32(rtt))
	logs.Debugf("hub.heartbeat reply hub=%s tid=%d rtt_ms=%d", s.h.name, s.tid, rtt)
}

func (s *heartbeatSubscription) OnClose() {}
