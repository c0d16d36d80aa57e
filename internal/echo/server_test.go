package echo

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/frame"
	"github.com/danmuck/tcphub/internal/protocol/schema"
	"github.com/danmuck/tcphub/internal/testutil/testlog"
)

type rawClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T) (*Server, *rawClient) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return srv, &rawClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) send(t *testing.T, meta, data protocol.Document, last bool) {
	t.Helper()
	codec := protocol.TLVCodec{}
	m, err := codec.Encode(meta)
	require.NoError(t, err)
	d, err := codec.Encode(data)
	require.NoError(t, err)
	buf, err := frame.Append(nil, true, false, m, frame.DefaultLimits())
	require.NoError(t, err)
	buf, err = frame.Append(buf, false, last, d, frame.DefaultLimits())
	require.NoError(t, err)
	_, err = c.conn.Write(buf)
	require.NoError(t, err)
}

// recv reads one metadata frame and the data frame after it.
func (c *rawClient) recv(t *testing.T) (int64, frame.Header, protocol.Document) {
	t.Helper()
	codec := protocol.TLVCodec{}
	mf, err := frame.ReadFrame(c.r, frame.DefaultLimits())
	require.NoError(t, err)
	require.True(t, mf.Header.MetaData)
	meta, err := protocol.DecodeMeta(codec, mf.Payload)
	require.NoError(t, err)
	tid, ok := protocol.MetaTID(meta)
	require.True(t, ok)
	df, err := frame.ReadFrame(c.r, frame.DefaultLimits())
	require.NoError(t, err)
	require.False(t, df.Header.MetaData)
	doc, err := codec.Decode(df.Payload)
	require.NoError(t, err)
	return tid, df.Header, doc
}

func TestEchoRepliesOnRequestTID(t *testing.T) {
	testlog.Start(t)
	srv, c := dial(t)
	body := protocol.NewDocument(protocol.NewFieldString(schema.FieldMessage, "hello"))
	c.send(t, protocol.RequestMeta(protocol.Service(ServiceEcho), 1001), body, true)

	tid, hdr, doc := c.recv(t)
	require.Equal(t, int64(1001), tid)
	require.True(t, hdr.Last)
	text, err := doc.Text(schema.FieldMessage)
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, 1, srv.Requests(ServiceEcho))
}

func TestSystemEvents(t *testing.T) {
	testlog.Start(t)
	srv, c := dial(t)
	system := protocol.RequestMeta(protocol.Target{}, 0)

	c.send(t, system, protocol.NewDocument(protocol.NewFieldString(schema.EventUserID, "alice")), true)
	c.send(t, protocol.RequestMeta(protocol.Target{}, 77), protocol.NewDocument(protocol.NewFieldInt64(schema.EventHeartbeat, 4242)), true)
	tid, _, doc := c.recv(t)
	require.Equal(t, int64(77), tid)
	ts, err := doc.Int64(schema.EventHeartbeatReply)
	require.NoError(t, err)
	require.Equal(t, int64(4242), ts)

	c.send(t, system, protocol.NewDocument(protocol.NewFieldString(schema.EventOnClientClosing, "")), true)
	tid, _, doc = c.recv(t)
	require.Zero(t, tid)
	_, ok := doc.Get(schema.EventOnClosingReply)
	require.True(t, ok)

	require.Equal(t, []string{"alice"}, srv.UserIDs())
	require.Equal(t, int64(1), srv.Pings())
	require.Equal(t, int64(1), srv.Closings())
}

func TestTicksSubscriptionAndDrop(t *testing.T) {
	testlog.Start(t)
	srv, c := dial(t)
	c.send(t, protocol.RequestMeta(protocol.Service(ServiceTicks), 9), protocol.NewDocument(protocol.NewFieldString(schema.FieldMessage, "sub")), true)
	tid, hdr, _ := c.recv(t)
	require.Equal(t, int64(9), tid)
	require.False(t, hdr.Last)
	require.Equal(t, []int64{9}, srv.Subscriptions())

	require.Equal(t, 1, srv.Publish(3))
	_, _, doc := c.recv(t)
	n, err := doc.Int64(schema.FieldTick)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.NoError(t, srv.SendHeartbeat(1))
	tid, _, doc = c.recv(t)
	require.Zero(t, tid)
	_, ok := doc.Get(schema.EventHeartbeat)
	require.True(t, ok)

	require.Equal(t, 1, srv.DropConnections())
	_, err = frame.ReadFrame(c.r, frame.DefaultLimits())
	require.Error(t, err)
}
