// Package page implements the foreground side of the coordinator protocol: answering
// delivery requests for the conversation currently on screen, reporting which conversation
// that is, and scheduling new messages from the sidebar.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ChatCRM/internal/models"
	"github.com/BTreeMap/ChatCRM/internal/store"
)

// ErrNoConversationOpen is returned when an action needs an open conversation and none is.
var ErrNoConversationOpen = errors.New("no conversation is open")

// Surface is the live chat surface of one page.
type Surface interface {
	// CurrentConversation returns the id of the conversation on screen, or "" if none.
	CurrentConversation() string
	// Deliver sends text into the conversation on screen.
	Deliver(ctx context.Context, text string) error
}

// Background sends requests from this page to the coordinator. *bus.Client satisfies it.
type Background interface {
	Request(ctx context.Context, req models.Request) (models.Response, error)
}

// BackgroundFunc adapts a function to Background, e.g. bus.Hub.Dispatch for in-process pages.
type BackgroundFunc func(ctx context.Context, req models.Request) (models.Response, error)

// Request calls f.
func (f BackgroundFunc) Request(ctx context.Context, req models.Request) (models.Response, error) {
	return f(ctx, req)
}

// Page binds a chat surface to the coordinator protocol.
type Page struct {
	surface    Surface
	background Background
	repo       *store.Repository
}

// New creates a Page. background and repo are only needed for ScheduleMessage.
func New(surface Surface, background Background, repo *store.Repository) *Page {
	return &Page{surface: surface, background: background, repo: repo}
}

// CurrentConversation reports the conversation on screen.
func (p *Page) CurrentConversation() string {
	return p.surface.CurrentConversation()
}

// DeliverTo sends text only if conversationID is the conversation on screen. It never
// navigates. Surrounding whitespace is trimmed; blank text is not sent.
func (p *Page) DeliverTo(ctx context.Context, conversationID, text string) bool {
	current := p.surface.CurrentConversation()
	if current == "" || current != conversationID {
		slog.Debug("Page.DeliverTo: conversation not on screen", "want", conversationID, "current", current)
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("Page.DeliverTo: refusing to send blank text", "conversationID", conversationID)
		return false
	}
	if err := p.surface.Deliver(ctx, text); err != nil {
		slog.Warn("Page.DeliverTo: delivery failed", "conversationID", conversationID, "error", err)
		return false
	}
	return true
}

// HandleDeliveryRequest answers a sendScheduled request with a single delivery attempt.
func (p *Page) HandleDeliveryRequest(ctx context.Context, conversationID, text, id string) models.Response {
	ok := p.DeliverTo(ctx, conversationID, text)
	slog.Debug("Page.HandleDeliveryRequest", "id", id, "conversationID", conversationID, "success", ok)
	return models.Response{Success: ok}
}

// Handle answers requests from the coordinator.
func (p *Page) Handle(ctx context.Context, req models.Request) (models.Response, error) {
	switch req.Type {
	case models.RequestSendScheduled:
		return p.HandleDeliveryRequest(ctx, req.ConversationID, req.Text, req.ID), nil
	case models.RequestCurrentConversation:
		return models.Response{Success: true, ConversationID: p.surface.CurrentConversation()}, nil
	default:
		return models.Failure(fmt.Sprintf("unsupported request type %q", req.Type)), nil
	}
}

// ScheduleMessage stores a message for the conversation on screen and asks the coordinator
// to arm its alarm. The item is stored first; a failed or unanswered arm request is only
// logged, and the next resync arms the item.
func (p *Page) ScheduleMessage(ctx context.Context, text string, at time.Time) (*models.ScheduledMessage, error) {
	conversationID := p.surface.CurrentConversation()
	if conversationID == "" {
		return nil, ErrNoConversationOpen
	}

	msg := models.ScheduledMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Text:           strings.TrimSpace(text),
		ScheduledAt:    at.UnixMilli(),
	}
	if named, ok := p.surface.(interface{ ConversationName() string }); ok {
		msg.ConversationName = named.ConversationName()
	}

	saved, err := p.repo.AddScheduled(ctx, msg)
	if err != nil {
		return nil, err
	}

	resp, err := p.background.Request(ctx, models.Request{
		Type:        models.RequestCreateScheduleAlarm,
		ID:          saved.ID,
		ScheduledAt: saved.ScheduledAt,
	})
	if err != nil || !resp.Success {
		slog.Warn("Page.ScheduleMessage: alarm request not acknowledged", "id", saved.ID, "error", err, "reason", resp.Error)
	}
	return saved, nil
}
