package hub

import (
	"errors"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/frame"
)

// Writer accumulates frames for one flush. It is only valid inside the callback that received it.
type Writer struct {
	buf    []byte
	codec  protocol.Codec
	limits frame.Limits
	frames int
}

func newWriter(codec protocol.Codec, limits frame.Limits, size int) Writer {
	return Writer{
		buf:    make([]byte, 0, min(size, 64<<10)),
		codec:  codec,
		limits: limits,
	}
}

func (w *Writer) reset() {
	w.buf = w.buf[:0]
	w.frames = 0
}

// truncate drops everything written after mark, for a writer callback that failed halfway.
func (w *Writer) truncate(mark, frames int) {
	w.buf = w.buf[:mark]
	w.frames = frames
}

// Len returns the number of buffered bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Frames returns the number of buffered frames.
func (w *Writer) Frames() int { return w.frames }

// Bytes returns the buffered bytes without copying.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteDocument encodes doc as one frame.
func (w *Writer) WriteDocument(metaData, last bool, doc protocol.Document) error {
	payload, err := w.codec.Encode(doc)
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", doc, err)
	}
	out, err := frame.Append(w.buf, metaData, last, payload, w.limits)
	if err != nil {
		return err
	}
	w.buf = out
	w.frames++
	return nil
}

// WriteRequestHeader writes the metadata document for a request on tid: cid when the target has
// one, otherwise csp, then the tid.
func (w *Writer) WriteRequestHeader(tid int64, target protocol.Target) error {
	if tid == 0 {
		return ErrReservedTID
	}
	return w.WriteDocument(true, false, protocol.RequestMeta(target, tid))
}

// WriteAsyncHeader writes a metadata document without a tid, for messages that expect no reply.
func (w *Writer) WriteAsyncHeader(target protocol.Target) error {
	return w.WriteDocument(true, false, protocol.AsyncMeta(target))
}

// WriteSystemHeader writes the tid 0 metadata document.
func (w *Writer) WriteSystemHeader() error {
	return w.WriteDocument(true, false, protocol.RequestMeta(protocol.Target{}, 0))
}

// WriteData writes a data document. last marks the final frame for the current tid.
func (w *Writer) WriteData(doc protocol.Document, last bool) error {
	return w.WriteDocument(false, last, doc)
}

// flush writes the buffer to conn in chunks. Every chunk gets its own stall deadline, so a
// peer that keeps draining is never cut off, but one that stops for WriteStallTimeout is.
func (h *Hub) flush(conn net.Conn, w *Writer) error {
	buf := w.Bytes()
	size := len(buf)
	if size == 0 {
		return nil
	}
	start := time.Now()
	for len(buf) > 0 {
		chunk := min(len(buf), h.cfg.WriteBufferSize)
		if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteStallTimeout)); err != nil {
			return err
		}
		n, err := conn.Write(buf[:chunk])
		buf = buf[n:]
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.incr(MetricWriteStallCount)
				logs.Errf(
					"hub.Hub.flush write stalled hub=%s bytes=%d remaining=%d elapsed=%s",
					h.name,
					size,
					len(buf),
					time.Since(start),
				)
				return fmt.Errorf("%w: write stalled after %s", ErrConnectionDropped, time.Since(start))
			}
			return err
		}
	}
	h.add(MetricFramesOutBytes, size)
	if int64(size) > h.largestWrite.Load() {
		h.largestWrite.Store(int64(size))
		h.gauge(MetricLargestWriteBytes, float32(size))
		logs.Debugf("hub.Hub.flush largest write hub=%s bytes=%d frames=%d", h.name, size, w.Frames())
	}
	h.trace("out", w.Bytes())
	return nil
}
