package session

import (
	"strings"

	"github.com/danmuck/tcphub/internal/protocol"
	"github.com/danmuck/tcphub/internal/protocol/schema"
)

// Identity is the session presented to the server after every connect.
type Identity struct {
	UserID string
}

// Provider supplies the identity for the next handshake. ok is false when there is none.
type Provider interface {
	Identity() (id Identity, ok bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (Identity, bool)

func (f ProviderFunc) Identity() (Identity, bool) { return f() }

// Static always presents the same user.
func Static(userID string) Provider {
	id := Identity{UserID: strings.TrimSpace(userID)}
	return ProviderFunc(func() (Identity, bool) {
		return id, id.UserID != ""
	})
}

// HandshakeDocument builds the userid system document.
func HandshakeDocument(id Identity) protocol.Document {
	return protocol.NewDocument(protocol.NewFieldString(schema.EventUserID, id.UserID))
}
