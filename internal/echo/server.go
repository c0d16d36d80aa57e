package echo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/frame"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

// Service paths understood by the peer.
const (
	ServiceEcho  = "echo"
	ServiceVoid  = "void"
	ServiceTicks = "ticks"
	ServiceTwice = "twice"
	ServiceDelay = "delay"
)

// Server is a minimal peer for the hub protocol: it echoes requests, serves a tick
// subscription, answers heartbeats and acknowledges close handshakes.
type Server struct {
	codec  protocol.Codec
	limits frame.Limits

	connsMu sync.Mutex
	conns   map[net.Conn]*peer

	silent atomic.Bool

	mu            sync.Mutex
	userIDs       []string
	subscriptions []int64
	requests      map[string]int

	pings    atomic.Int64
	pongs    atomic.Int64
	lastPong atomic.Int64
	closings atomic.Int64
	accepted atomic.Int64
}

// peer is one accepted connection. writeMu keeps frames from concurrent publishers whole.
type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
	ticks   map[int64]struct{}
}

func NewServer() *Server {
	return &Server{
		codec:    protocol.TLVCodec{},
		limits:   frame.DefaultLimits(),
		conns:    make(map[net.Conn]*peer),
		requests: make(map[string]int),
	}
}

// Serve accepts connections on ln until ctx is done, then closes every connection and waits for
// their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.DropConnections()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			p := s.trackConn(conn)
			g.Go(func() error {
				s.handleConn(ctx, p)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) trackConn(conn net.Conn) *peer {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	p := &peer{conn: conn, ticks: make(map[int64]struct{})}
	s.conns[conn] = p
	s.accepted.Add(1)
	return p
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) peers() []*peer {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*peer, 0, len(s.conns))
	for _, p := range s.conns {
		out = append(out, p)
	}
	return out
}

func (s *Server) handleConn(ctx context.Context, p *peer) {
	conn := p.conn
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	logs.Infof("echo.Server.handleConn client connected remote=%q", remote)

	r := bufio.NewReader(conn)
	var meta protocol.Document
	for ctx.Err() == nil {
		f, err := frame.ReadFrame(r, s.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logs.Warnf("echo.Server.handleConn read remote=%q err=%v", remote, err)
			}
			logs.Infof("echo.Server.handleConn client disconnected remote=%q", remote)
			return
		}
		if f.Header.MetaData {
			meta, err = protocol.DecodeMeta(s.codec, f.Payload)
			if err != nil {
				logs.Errf("echo.Server.handleConn bad metadata remote=%q err=%v", remote, err)
				return
			}
			continue
		}
		doc, err := s.codec.Decode(f.Payload)
		if err != nil {
			logs.Errf("echo.Server.handleConn bad data remote=%q err=%v", remote, err)
			return
		}
		if err := s.dispatch(p, meta, doc); err != nil {
			logs.Warnf("echo.Server.handleConn reply remote=%q err=%v", remote, err)
			return
		}
	}
}

func (s *Server) dispatch(p *peer, meta, doc protocol.Document) error {
	tid, hasTID := protocol.MetaTID(meta)
	if hasTID && tid == 0 {
		return s.onSystem(p, doc)
	}
	target := protocol.MetaTarget(meta)
	if hasTID && target.IsZero() && len(doc.Fields) > 0 && doc.Fields[0].ID == schema.EventHeartbeat {
		s.pings.Add(1)
		if s.silent.Load() {
			return nil
		}
		ts, _ := doc.Int64(schema.EventHeartbeat)
		return p.send(s, tid, true, protocol.NewDocument(protocol.NewFieldInt64(schema.EventHeartbeatReply, ts)))
	}

	s.mu.Lock()
	s.requests[target.CSP]++
	s.mu.Unlock()
	if !hasTID || s.silent.Load() {
		return nil
	}

	switch target.CSP {
	case ServiceEcho:
		return p.send(s, tid, true, doc)
	case ServiceVoid:
		return nil
	case ServiceTwice:
		if err := p.send(s, tid, true, doc); err != nil {
			return err
		}
		return p.send(s, tid, true, doc)
	case ServiceDelay:
		delay, _ := doc.Int64(schema.FieldTick)
		go func() {
			time.Sleep(time.Duration(delay) * time.Millisecond)
			_ = p.send(s, tid, true, doc)
		}()
		return nil
	case ServiceTicks:
		s.mu.Lock()
		s.subscriptions = append(s.subscriptions, tid)
		s.mu.Unlock()
		p.writeMu.Lock()
		p.ticks[tid] = struct{}{}
		p.writeMu.Unlock()
		return p.send(s, tid, false, protocol.NewDocument(protocol.NewFieldInt64(schema.FieldTick, 0)))
	default:
		logs.Debugf("echo.Server.dispatch unknown service target=%s tid=%d", target, tid)
		return nil
	}
}

func (s *Server) onSystem(p *peer, doc protocol.Document) error {
	event, err := schema.ValidateSystem(doc.TLV())
	if err != nil {
		return err
	}
	switch event {
	case schema.EventHeartbeatReply:
		ts, _ := doc.Int64(schema.EventHeartbeatReply)
		s.lastPong.Store(ts)
		s.pongs.Add(1)
	case schema.EventUserID:
		id, _ := doc.Text(schema.EventUserID)
		s.mu.Lock()
		s.userIDs = append(s.userIDs, id)
		s.mu.Unlock()
	case schema.EventOnClientClosing:
		s.closings.Add(1)
		if s.silent.Load() {
			return nil
		}
		return p.send(s, 0, true, protocol.NewDocument(protocol.NewFieldString(schema.EventOnClosingReply, "")))
	}
	return nil
}

// send writes one metadata and one data frame for tid.
func (p *peer) send(s *Server, tid int64, last bool, doc protocol.Document) error {
	meta, err := s.codec.Encode(protocol.RequestMeta(protocol.Target{}, tid))
	if err != nil {
		return err
	}
	data, err := s.codec.Encode(doc)
	if err != nil {
		return err
	}
	buf, err := frame.Append(nil, true, false, meta, s.limits)
	if err != nil {
		return err
	}
	if buf, err = frame.Append(buf, false, last, data, s.limits); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.conn.Write(buf)
	return err
}

// Publish pushes tick n to every ticks subscription on every connection.
func (s *Server) Publish(n int64) int {
	sent := 0
	for _, p := range s.peers() {
		p.writeMu.Lock()
		tids := make([]int64, 0, len(p.ticks))
		for tid := range p.ticks {
			tids = append(tids, tid)
		}
		p.writeMu.Unlock()
		sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
		for _, tid := range tids {
			if err := p.send(s, tid, false, protocol.NewDocument(protocol.NewFieldInt64(schema.FieldTick, n))); err == nil {
				sent++
			}
		}
	}
	return sent
}

// SendHeartbeat sends a server-initiated heartbeat on tid 0 to every connection.
func (s *Server) SendHeartbeat(ts int64) error {
	var errs []error
	for _, p := range s.peers() {
		doc := protocol.NewDocument(protocol.NewFieldInt64(schema.EventHeartbeat, ts))
		if err := p.send(s, 0, true, doc); err != nil {
			errs = append(errs, fmt.Errorf("echo: heartbeat %s: %w", p.conn.RemoteAddr(), err))
		}
	}
	return errors.Join(errs...)
}

// DropConnections closes every open connection.
func (s *Server) DropConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	n := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	return n
}

// SetSilent stops all replies while keeping connections open.
func (s *Server) SetSilent(silent bool) { s.silent.Store(silent) }

func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Pings counts client heartbeat requests.
func (s *Server) Pings() int64 { return s.pings.Load() }

// Pongs counts client replies to server heartbeats.
func (s *Server) Pongs() int64 { return s.pongs.Load() }

// LastPong returns the timestamp echoed by the most recent heartbeat reply.
func (s *Server) LastPong() int64 { return s.lastPong.Load() }

func (s *Server) Closings() int64 { return s.closings.Load() }

func (s *Server) UserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userIDs...)
}

// Subscriptions returns ticks subscription tids in arrival order.
func (s *Server) Subscriptions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.subscriptions...)
}

func (s *Server) Requests(csp string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[csp]
}
