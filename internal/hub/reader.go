package hub

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/tcphub/internal/failover"
	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/frame"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

// noTID marks a data frame whose metadata was missing or unreadable.
const noTID int64 = -1

// readLoop reads frames from conn until it fails, then tears the connection down.
func (h *Hub) readLoop(conn net.Conn, addr failover.Address) {
	stop := context.AfterFunc(h.ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(conn, h.cfg.ReadBufferSize)
	limits := h.cfg.frameLimits()
	cur := noTID
	for {
		hdr, err := frame.ReadHeader(r, limits)
		if err != nil {
			h.dropConnection(conn, h.readFailure(addr, err))
			return
		}
		payload, err := frame.ReadPayload(r, hdr)
		if err != nil {
			h.dropConnection(conn, h.readFailure(addr, err))
			return
		}
		h.lastReceived.Store(h.nowMs())
		h.add(MetricFramesInBytes, frame.HeaderLen+len(payload))
		h.trace("in", payload)

		if hdr.MetaData {
			cur = h.onMeta(hdr, payload)
			continue
		}
		switch cur {
		case noTID:
			h.violation("data frame without metadata", hdr)
		case 0:
			h.onSystem(payload)
		default:
			h.onData(cur, hdr, payload)
		}
	}
}

// readFailure classifies a read error for logs and metrics.
func (h *Hub) readFailure(addr failover.Address, err error) string {
	switch {
	case h.ctx.Err() != nil:
		return "closed"
	case errors.Is(err, io.EOF):
		logs.Infof("hub.Hub.readLoop peer closed hub=%s addr=%s", h.name, addr)
		return "eof"
	case errors.Is(err, frame.ErrEmptyPayload), errors.Is(err, frame.ErrPayloadTooLarge):
		// The length cannot be trusted, so the stream cannot be resynchronized.
		h.incr(MetricProtocolViolationCount)
		logs.Errf("hub.Hub.readLoop bad header hub=%s addr=%s err=%v", h.name, addr, err)
		return "protocol"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		logs.Warnf("hub.Hub.readLoop read failed hub=%s addr=%s err=%v", h.name, addr, err)
		return "read"
	}
}

func (h *Hub) violation(what string, hdr frame.Header) {
	h.incr(MetricProtocolViolationCount)
	logs.Errf("hub.Hub.readLoop protocol violation hub=%s %s header=%s", h.name, what, hdr)
}

// onMeta returns the tid that following data frames belong to.
func (h *Hub) onMeta(hdr frame.Header, payload []byte) int64 {
	doc, err := protocol.DecodeMeta(h.codec, payload)
	if err != nil {
		h.violation("bad metadata: "+err.Error(), hdr)
		return noTID
	}
	tid, ok := protocol.MetaTID(doc)
	if !ok {
		h.violation("metadata without tid", hdr)
		return noTID
	}
	return tid
}

func (h *Hub) onData(tid int64, hdr frame.Header, payload []byte) {
	doc, err := h.codec.Decode(payload)
	if err != nil {
		h.violation("undecodable data for tid", hdr)
		return
	}
	reply := Reply{TID: tid, Last: hdr.Last, Payload: payload, Doc: doc}

	e, ok := h.waiters.get(tid)
	if !ok {
		e, ok = h.awaitWaiter(tid)
		if !ok {
			return
		}
	}
	switch e.kind {
	case entryCall:
		if hdr.Last {
			h.waiters.retire(tid, e, retiredCompleted, h.nowMs())
		}
		e.call.resolve(callResult{reply: reply})
	case entryTemporary:
		if hdr.Last {
			h.waiters.retire(tid, e, retiredCompleted, h.nowMs())
		}
		h.safeData(e.sub, reply)
	case entryDurable:
		h.safeData(e.sub, reply)
	}
	if hdr.Last && e.kind != entryDurable {
		h.gaugeWaiters()
	}
}

// awaitWaiter covers a reply that overtakes its caller's registration. It polls the waiter table
// until the tid appears, is retired, or UnknownTIDWait passes.
func (h *Hub) awaitWaiter(tid int64) (*entry, bool) {
	deadline := time.Now().Add(h.cfg.UnknownTIDWait)
	ticker := time.NewTicker(h.cfg.UnknownTIDPoll)
	defer ticker.Stop()
	for {
		if reason, ok := h.waiters.retiredAs(tid); ok {
			h.onRetired(tid, reason)
			return nil, false
		}
		if e, ok := h.waiters.get(tid); ok {
			return e, true
		}
		if !time.Now().Before(deadline) {
			h.incr(MetricUnknownTIDDropCount)
			logs.Warnf("hub.Hub.onData dropping frame hub=%s tid=%d unknown after %s", h.name, tid, h.cfg.UnknownTIDWait)
			return nil, false
		}
		select {
		case <-h.ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// onRetired handles data for a tid that already left the live table. A completed tid receiving
// more data breaks at-most-once delivery and is counted as a violation; a call whose caller gave
// up is expected to see its late reply.
func (h *Hub) onRetired(tid int64, reason retiredReason) {
	if reason == retiredAbandoned {
		h.incr(MetricUnknownTIDDropCount, LabelReason.M(reason.String()))
		logs.Debugf("hub.Hub.onData late reply hub=%s tid=%d dropped", h.name, tid)
		return
	}
	h.incr(MetricProtocolViolationCount, LabelReason.M(reason.String()))
	logs.Errf("hub.Hub.onData protocol violation hub=%s tid=%d already %s, frame discarded", h.name, tid, reason)
}

// onSystem handles tid 0 documents.
func (h *Hub) onSystem(payload []byte) {
	doc, err := h.codec.Decode(payload)
	if err != nil {
		h.violation("undecodable system document", frame.Header{Length: len(payload)})
		return
	}
	event, err := schema.ValidateSystem(doc.TLV())
	if err != nil {
		h.violation(err.Error(), frame.Header{Length: len(payload)})
		return
	}
	switch event {
	case schema.EventHeartbeat:
		ts, _ := doc.Int64(schema.EventHeartbeat)
		replied := h.WithWriteLock(func(w *Writer) error {
			if err := w.WriteSystemHeader(); err != nil {
				return err
			}
			return w.WriteData(protocol.NewDocument(protocol.NewFieldInt64(schema.EventHeartbeatReply, ts)), true)
		}, false)
		logs.Debugf("hub.Hub.onSystem heartbeat hub=%s ts=%d replied=%t", h.name, ts, replied)
	case schema.EventOnClosingReply:
		h.signalCloseAck()
	default:
		logs.Debugf("hub.Hub.onSystem ignored hub=%s event=%s", h.name, schema.Name(event))
	}
}
