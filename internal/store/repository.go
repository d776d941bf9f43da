package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// Sentinel errors returned by Repository operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotPending    = errors.New("scheduled message is not pending")
)

// Repository implements the CRM operations as read-modify-write cycles over a DocumentStore.
//
// Cycles issued through one Repository are serialized by its mutex. Anything else writing the
// same document (another Repository, another process sharing the database) is not: the last
// Save wins at whole-document granularity, and a concurrent edit can silently undo another.
// Usage is single-user and low-frequency, so this race is accepted rather than locked out.
type Repository struct {
	docs DocumentStore
	now  func() time.Time
	mu   sync.Mutex
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithClock overrides the clock used for creation checks and timestamps.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository wraps a DocumentStore.
func NewRepository(docs DocumentStore, opts ...RepositoryOption) *Repository {
	r := &Repository{docs: docs, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Document returns a fresh copy of the whole stored document.
func (r *Repository) Document(ctx context.Context) (*models.Document, error) {
	return r.docs.Load(ctx)
}

// update runs fn against a freshly loaded document and saves the result when fn returns nil.
func (r *Repository) update(ctx context.Context, fn func(doc *models.Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.docs.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return r.docs.Save(ctx, doc)
}

// --- Conversations ---

// GetConversation returns the CRM record for a conversation.
func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*models.ConversationData, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := doc.Conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// UpsertConversation merges patch into the conversation record, creating it with defaults
// when absent, and stamps LastUpdated.
func (r *Repository) UpsertConversation(ctx context.Context, conversationID string, patch models.ConversationPatch) (*models.ConversationData, error) {
	if conversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out models.ConversationData
	err := r.update(ctx, func(doc *models.Document) error {
		c, ok := doc.Conversations[conversationID]
		if !ok {
			c = models.ConversationData{Tags: []string{}, Stage: models.DefaultStage}
		}
		patch.Apply(&c)
		c.LastUpdated = r.now().UnixMilli()
		doc.Conversations[conversationID] = c
		out = c
		return nil
	})
	if err != nil {
		slog.Error("Repository.UpsertConversation failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	return &out, nil
}

// ListConversations returns every conversation record sorted by id.
func (r *Repository) ListConversations(ctx context.Context) ([]models.ConversationEntry, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationEntry, 0, len(doc.Conversations))
	for id, c := range doc.Conversations {
		out = append(out, models.ConversationEntry{ID: id, ConversationData: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListConversationsByStage returns the conversations tagged with the given stage.
func (r *Repository) ListConversationsByStage(ctx context.Context, stage models.Stage) ([]models.ConversationEntry, error) {
	all, err := r.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationEntry, 0)
	for _, c := range all {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteConversation removes a conversation record. Unknown ids are ignored.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID string) error {
	return r.update(ctx, func(doc *models.Document) error {
		delete(doc.Conversations, conversationID)
		return nil
	})
}

// --- Templates ---

// ListTemplates returns the canned replies in stored order.
func (r *Repository) ListTemplates(ctx context.Context) ([]models.Template, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Templates, nil
}

// UpsertTemplate replaces the template with the same id or appends it.
func (r *Repository) UpsertTemplate(ctx context.Context, t models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return r.update(ctx, func(doc *models.Document) error {
		for i := range doc.Templates {
			if doc.Templates[i].ID == t.ID {
				doc.Templates[i] = t
				return nil
			}
		}
		doc.Templates = append(doc.Templates, t)
		return nil
	})
}

// DeleteTemplate removes a template. Unknown ids are ignored.
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	return r.update(ctx, func(doc *models.Document) error {
		kept := doc.Templates[:0]
		for _, t := range doc.Templates {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		doc.Templates = kept
		return nil
	})
}

// --- Bot rules ---

// ListBotRules returns the auto-responder rules in evaluation order.
func (r *Repository) ListBotRules(ctx context.Context) ([]models.BotRule, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.BotRules, nil
}

// UpsertBotRule replaces the rule with the same id in place or appends it at the end.
func (r *Repository) UpsertBotRule(ctx context.Context, rule models.BotRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return r.update(ctx, func(doc *models.Document) error {
		for i := range doc.BotRules {
			if doc.BotRules[i].ID == rule.ID {
				doc.BotRules[i] = rule
				return nil
			}
		}
		doc.BotRules = append(doc.BotRules, rule)
		return nil
	})
}

// SetBotRuleActive toggles one rule.
func (r *Repository) SetBotRuleActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, func(doc *models.Document) error {
		for i := range doc.BotRules {
			if doc.BotRules[i].ID == id {
				doc.BotRules[i].Active = active
				return nil
			}
		}
		return fmt.Errorf("bot rule %s: %w", id, ErrNotFound)
	})
}

// ToggleBotRule flips the active flag of one rule and returns the new value.
func (r *Repository) ToggleBotRule(ctx context.Context, id string) (bool, error) {
	var active bool
	err := r.update(ctx, func(doc *models.Document) error {
		for i := range doc.BotRules {
			if doc.BotRules[i].ID == id {
				doc.BotRules[i].Active = !doc.BotRules[i].Active
				active = doc.BotRules[i].Active
				return nil
			}
		}
		return fmt.Errorf("bot rule %s: %w", id, ErrNotFound)
	})
	return active, err
}

// DeleteBotRule removes a rule. Unknown ids are ignored.
func (r *Repository) DeleteBotRule(ctx context.Context, id string) error {
	return r.update(ctx, func(doc *models.Document) error {
		kept := doc.BotRules[:0]
		for _, rule := range doc.BotRules {
			if rule.ID != id {
				kept = append(kept, rule)
			}
		}
		doc.BotRules = kept
		return nil
	})
}

// BotEnabled reads the global auto-responder toggle.
func (r *Repository) BotEnabled(ctx context.Context) (bool, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return false, err
	}
	return doc.BotEnabled, nil
}

// SetBotEnabled writes the global auto-responder toggle.
func (r *Repository) SetBotEnabled(ctx context.Context, enabled bool) error {
	return r.update(ctx, func(doc *models.Document) error {
		doc.BotEnabled = enabled
		return nil
	})
}

// --- Scheduled messages ---

// ListScheduled returns every scheduled message in stored order.
func (r *Repository) ListScheduled(ctx context.Context) ([]models.ScheduledMessage, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.ScheduledMessages, nil
}

// ListScheduledForConversation returns the scheduled messages addressed to one conversation.
func (r *Repository) ListScheduledForConversation(ctx context.Context, conversationID string) ([]models.ScheduledMessage, error) {
	all, err := r.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScheduledMessage, 0)
	for _, m := range all {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetScheduled returns one scheduled message.
func (r *Repository) GetScheduled(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	doc, err := r.docs.Load(ctx)
	if err != nil {
		return nil, err
	}
	i := doc.FindScheduled(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	m := doc.ScheduledMessages[i]
	return &m, nil
}

// AddScheduled validates and persists a new pending scheduled message. Status and CreatedAt
// are assigned here; a scheduledAt that is not strictly in the future is rejected and nothing
// is written.
func (r *Repository) AddScheduled(ctx context.Context, m models.ScheduledMessage) (*models.ScheduledMessage, error) {
	now := r.now()
	if err := m.Validate(now); err != nil {
		return nil, err
	}
	m.Status = models.ScheduleStatusPending
	m.CreatedAt = now.UnixMilli()

	err := r.update(ctx, func(doc *models.Document) error {
		if doc.FindScheduled(m.ID) >= 0 {
			return fmt.Errorf("scheduled message %s: %w", m.ID, ErrAlreadyExists)
		}
		doc.ScheduledMessages = append(doc.ScheduledMessages, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Repository.AddScheduled succeeded", "id", m.ID, "conversationID", m.ConversationID, "scheduledAt", m.ScheduledAt)
	return &m, nil
}

// transition moves a pending message to a terminal status.
func (r *Repository) transition(ctx context.Context, id string, to models.ScheduleStatus) error {
	return r.update(ctx, func(doc *models.Document) error {
		i := doc.FindScheduled(id)
		if i < 0 {
			return fmt.Errorf("scheduled message %s: %w", id, ErrNotFound)
		}
		if doc.ScheduledMessages[i].Status != models.ScheduleStatusPending {
			return fmt.Errorf("scheduled message %s is %s: %w", id, doc.ScheduledMessages[i].Status, ErrNotPending)
		}
		doc.ScheduledMessages[i].Status = to
		return nil
	})
}

// CancelScheduled flips a pending message to cancelled. Any armed alarm is left in place;
// it becomes a no-op when it fires.
func (r *Repository) CancelScheduled(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ScheduleStatusCancelled)
}

// MarkScheduledSent records a confirmed delivery.
func (r *Repository) MarkScheduledSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ScheduleStatusSent)
}

// MarkScheduledMissed records that a message's time elapsed without it being fired.
func (r *Repository) MarkScheduledMissed(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ScheduleStatusMissed)
}
