package hub

import (
	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

// Kind tags a subscription as durable or temporary.
type Kind uint8

const (
	// Durable subscriptions survive reconnects and are re-applied after every connect.
	Durable Kind = iota + 1
	// Temporary subscriptions end with the last frame for their tid or with the connection.
	Temporary
)

func (k Kind) String() string {
	switch k {
	case Durable:
		return "durable"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Reply is one inbound data frame routed to a tid.
type Reply struct {
	TID  int64
	Last bool
	// Payload is the frame payload exactly as received.
	Payload []byte
	Doc     protocol.Document
}

// Subscription receives data for its tid. Callbacks run on the hub's reader goroutine and must
// not block or call back into the hub's write path.
type Subscription interface {
	TID() int64
	Kind() Kind
	// Apply writes the subscribe request. It is called under the write lock on first subscribe
	// and, for durable subscriptions, after every reconnect.
	Apply(w *Writer) error
	OnData(r Reply)
	// OnClose is called at most once per connection the subscription was live on.
	OnClose()
}

// FuncSubscription builds a Subscription from callbacks.
type FuncSubscription struct {
	tid     int64
	kind    Kind
	target  protocol.Target
	request func(doc *protocol.Document)
	onData  func(Reply)
	onClose func()
}

// NewDurable subscribes tid on target; request fills the data document of the subscribe request.
func NewDurable(
	tid int64,
	target protocol.Target,
	request func(doc *protocol.Document),
	onData func(Reply),
	onClose func(),
) *FuncSubscription {
	return &FuncSubscription{tid: tid, kind: Durable, target: target, request: request, onData: onData, onClose: onClose}
}

// NewTemporary is NewDurable for a one-shot subscription.
func NewTemporary(
	tid int64,
	target protocol.Target,
	request func(doc *protocol.Document),
	onData func(Reply),
	onClose func(),
) *FuncSubscription {
	return &FuncSubscription{tid: tid, kind: Temporary, target: target, request: request, onData: onData, onClose: onClose}
}

func (s *FuncSubscription) TID() int64 { return s.tid }

func (s *FuncSubscription) Kind() Kind { return s.kind }

func (s *FuncSubscription) Target() protocol.Target { return s.target }

func (s *FuncSubscription) Apply(w *Writer) error {
	if err := w.WriteRequestHeader(s.tid, s.target); err != nil {
		return err
	}
	return w.WriteData(requestDocument(s.request), true)
}

// requestDocument builds a request body with fill. The codec rejects empty documents, so a
// request without parameters carries an empty message field.
func requestDocument(fill func(doc *protocol.Document)) protocol.Document {
	var doc protocol.Document
	if fill != nil {
		fill(&doc)
	}
	if len(doc.Fields) == 0 {
		doc.Add(protocol.NewFieldString(schema.FieldMessage, ""))
	}
	return doc
}

func (s *FuncSubscription) OnData(r Reply) {
	if s.onData != nil {
		s.onData(r)
	}
}

func (s *FuncSubscription) OnClose() {
	if s.onClose != nil {
		s.onClose()
	}
}
