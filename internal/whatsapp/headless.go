package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// DefaultInboundBuffer is the capacity of the inbound message channel.
const DefaultInboundBuffer = 64

// Headless is a chat page backed by a WhatsApp session instead of a browser tab. The
// conversation "on screen" is the one last opened with Open, or, when following inbound
// messages, the last conversation that wrote in.
type Headless struct {
	sender        Sender
	followInbound bool

	mu      sync.RWMutex
	current string
	name    string

	inbound chan models.InboundMessage
}

// HeadlessOption configures a Headless page.
type HeadlessOption func(*Headless)

// WithFollowInbound makes every inbound message switch the open conversation to its sender.
func WithFollowInbound(follow bool) HeadlessOption {
	return func(h *Headless) {
		h.followInbound = follow
	}
}

// NewHeadless creates a headless page sending through sender.
func NewHeadless(sender Sender, opts ...HeadlessOption) *Headless {
	h := &Headless{
		sender:  sender,
		inbound: make(chan models.InboundMessage, DefaultInboundBuffer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open switches the conversation on screen. An empty id closes it.
func (h *Headless) Open(conversationID, name string) {
	h.mu.Lock()
	h.current, h.name = conversationID, name
	h.mu.Unlock()
	slog.Debug("Headless.Open", "conversationID", conversationID)
}

// CurrentConversation implements page.Surface.
func (h *Headless) CurrentConversation() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// ConversationName returns the display name of the open conversation, if known.
func (h *Headless) ConversationName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name
}

// Deliver implements page.Surface by sending to the open conversation.
func (h *Headless) Deliver(ctx context.Context, text string) error {
	to := h.CurrentConversation()
	if to == "" {
		return fmt.Errorf("no conversation open")
	}
	return h.sender.SendMessage(ctx, to, text)
}

// Inbound is the stream of incoming text messages. It is never closed.
func (h *Headless) Inbound() <-chan models.InboundMessage {
	return h.inbound
}

// HandleEvent is the whatsmeow event handler. Register it with Client.AddEventHandler.
func (h *Headless) HandleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	in, ok := inboundFromEvent(msg)
	if !ok {
		return
	}

	if h.followInbound {
		h.Open(in.ConversationID, msg.Info.PushName)
	}

	select {
	case h.inbound <- in:
	default:
		slog.Warn("Headless.HandleEvent: inbound buffer full, dropping message", "conversationID", in.ConversationID, "key", in.Key)
	}
}

// inboundFromEvent extracts a text message someone else sent in a one-to-one chat.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}

	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.InboundMessage{}, false
	}

	detected := evt.Info.Timestamp
	if detected.IsZero() {
		detected = time.Now()
	}
	return models.InboundMessage{
		Key:            evt.Info.ID,
		ConversationID: evt.Info.Chat.User,
		Text:           text,
		DetectedAt:     detected.UnixMilli(),
	}, true
}
