package autoresponder

import (
	"strings"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// deduper drops repeat observations of the same inbound message. A message is new when its
// element key has not been accepted before and its text differs from the last text accepted
// in the same conversation. State lives for one subscription.
type deduper struct {
	seen     map[string]struct{}
	lastSeen map[string]string // conversation id -> last accepted text
}

func newDeduper() *deduper {
	return &deduper{seen: make(map[string]struct{}), lastSeen: make(map[string]string)}
}

func (d *deduper) accept(msg models.InboundMessage) bool {
	if msg.Key != "" {
		if _, ok := d.seen[msg.Key]; ok {
			return false
		}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || text == d.lastSeen[msg.ConversationID] {
		return false
	}
	if msg.Key != "" {
		d.seen[msg.Key] = struct{}{}
	}
	d.lastSeen[msg.ConversationID] = text
	return true
}
