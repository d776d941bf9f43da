// Package coordinator owns the lifecycle of scheduled messages on the background side:
// arming alarms, resynchronizing them with the stored document, and turning a fired alarm
// into a delivery request to whichever page displays the target conversation.
//
// Delivery is at most one attempt per firing. Nothing here retries, and every failure past
// the alarm firing is logged and swallowed, leaving the message pending.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ChatCRM/internal/alarm"
	"github.com/BTreeMap/ChatCRM/internal/models"
	"github.com/BTreeMap/ChatCRM/internal/recovery"
	"github.com/BTreeMap/ChatCRM/internal/store"
)

// Pages is the view of the connected pages the coordinator needs. *bus.Hub satisfies it.
type Pages interface {
	Tabs() []string
	Request(ctx context.Context, tabID string, req models.Request) (models.Response, error)
}

// FireOutcome records what a single alarm firing ended up doing.
type FireOutcome string

const (
	OutcomeNotFound       FireOutcome = "not_found"
	OutcomeNotPending     FireOutcome = "not_pending"
	OutcomeNoPage         FireOutcome = "no_page"
	OutcomeDeliveryFailed FireOutcome = "delivery_failed"
	OutcomeSent           FireOutcome = "sent"
	OutcomeStoreError     FireOutcome = "store_error"
)

// Coordinator is the background scheduler.
type Coordinator struct {
	repo        *store.Repository
	alarms      alarm.Service
	pages       Pages
	now         func() time.Time
	missedSweep bool

	mu          sync.Mutex
	lastOutcome map[string]FireOutcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used to tell future items from overdue ones.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithMissedSweep makes RearmAllPending mark overdue pending items as missed instead of
// leaving them pending forever.
func WithMissedSweep(enabled bool) Option {
	return func(c *Coordinator) {
		c.missedSweep = enabled
	}
}

// New creates a Coordinator and installs it as the alarm handler.
func New(repo *store.Repository, alarms alarm.Service, pages Pages, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:        repo,
		alarms:      alarms,
		pages:       pages,
		now:         time.Now,
		lastOutcome: make(map[string]FireOutcome),
	}
	for _, opt := range opts {
		opt(c)
	}
	alarms.SetHandler(c.handleAlarm)
	return c
}

// Arm registers the one-shot alarm for a scheduled message. The caller must already have
// persisted the item as pending; the store is not consulted. Re-arming replaces the alarm.
func (c *Coordinator) Arm(ctx context.Context, id string, scheduledAt time.Time) error {
	if err := c.alarms.Create(ctx, alarm.Name(id), scheduledAt); err != nil {
		return fmt.Errorf("arm %s: %w", id, err)
	}
	slog.Debug("Coordinator.Arm", "id", id, "scheduledAt", scheduledAt)
	return nil
}

// RearmAllPending arms every pending item whose time is still ahead and returns how many
// were armed. Overdue pending items are not armed; with the missed sweep enabled they are
// marked missed.
func (c *Coordinator) RearmAllPending(ctx context.Context) (int, error) {
	doc, err := c.repo.Document(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now().UnixMilli()

	armed, missed := 0, 0
	for _, m := range doc.ScheduledMessages {
		if m.Status != models.ScheduleStatusPending {
			continue
		}
		if m.ScheduledAt > now {
			if err := c.Arm(ctx, m.ID, m.ScheduledTime()); err != nil {
				slog.Error("Coordinator.RearmAllPending: arm failed", "id", m.ID, "error", err)
				continue
			}
			armed++
			continue
		}
		if c.missedSweep {
			if err := c.repo.MarkScheduledMissed(ctx, m.ID); err != nil {
				slog.Warn("Coordinator.RearmAllPending: mark missed failed", "id", m.ID, "error", err)
				continue
			}
			missed++
		}
	}

	slog.Info("Coordinator.RearmAllPending completed", "armed", armed, "missed", missed)
	return armed, nil
}

// RecoverState implements recovery.Recoverable.
func (c *Coordinator) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	_, err := c.RearmAllPending(ctx)
	return err
}

// handleAlarm is the alarm service callback. Alarms outside the schedule namespace are
// not ours.
func (c *Coordinator) handleAlarm(ctx context.Context, name string) {
	id, ok := alarm.IDFromName(name)
	if !ok {
		slog.Debug("Coordinator.handleAlarm: ignoring foreign alarm", "name", name)
		return
	}
	c.OnFire(ctx, id)
}

// OnFire runs the delivery attempt for one fired alarm. The item is re-read from the store
// so a cancellation that landed before the firing wins over the stale alarm.
func (c *Coordinator) OnFire(ctx context.Context, id string) FireOutcome {
	outcome := c.fire(ctx, id)
	c.mu.Lock()
	c.lastOutcome[id] = outcome
	c.mu.Unlock()
	return outcome
}

func (c *Coordinator) fire(ctx context.Context, id string) FireOutcome {
	msg, err := c.repo.GetScheduled(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("Coordinator.OnFire: item not found", "id", id)
		return OutcomeNotFound
	}
	if err != nil {
		slog.Error("Coordinator.OnFire: store read failed", "id", id, "error", err)
		return OutcomeStoreError
	}
	if msg.Status != models.ScheduleStatusPending {
		slog.Debug("Coordinator.OnFire: item no longer pending", "id", id, "status", msg.Status)
		return OutcomeNotPending
	}

	tabID, ok := c.FindPage(ctx, msg.ConversationID)
	if !ok {
		slog.Info("Coordinator.OnFire: no page displaying conversation, message stays pending", "id", id, "conversationID", msg.ConversationID)
		return OutcomeNoPage
	}

	resp, err := c.pages.Request(ctx, tabID, models.Request{
		Type:           models.RequestSendScheduled,
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
	})
	if err != nil {
		slog.Warn("Coordinator.OnFire: delivery request failed", "id", id, "tab", tabID, "error", err)
		return OutcomeDeliveryFailed
	}
	if !resp.Success {
		slog.Warn("Coordinator.OnFire: page reported delivery failure", "id", id, "tab", tabID, "reason", resp.Error)
		return OutcomeDeliveryFailed
	}

	if err := c.repo.MarkScheduledSent(ctx, id); err != nil {
		// Delivered but not recorded; a cancel that raced the delivery lands here too.
		slog.Error("Coordinator.OnFire: delivered but could not mark sent", "id", id, "error", err)
		return OutcomeStoreError
	}
	slog.Info("Coordinator.OnFire: scheduled message sent", "id", id, "conversationID", msg.ConversationID, "tab", tabID)
	return OutcomeSent
}

// LastOutcome returns what the most recent firing of id did.
func (c *Coordinator) LastOutcome(id string) (FireOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.lastOutcome[id]
	return o, ok
}

// OnCreateRequest arms the alarm for an item a page has already persisted.
func (c *Coordinator) OnCreateRequest(ctx context.Context, id string, scheduledAt int64) models.Response {
	if id == "" {
		return models.Failure(models.ErrEmptyID.Error())
	}
	if err := c.Arm(ctx, id, time.UnixMilli(scheduledAt)); err != nil {
		slog.Error("Coordinator.OnCreateRequest: arm failed", "id", id, "error", err)
		return models.Failure(err.Error())
	}
	return models.Ack()
}

// HandleRequest answers requests pages send to the background.
func (c *Coordinator) HandleRequest(ctx context.Context, req models.Request) (models.Response, error) {
	switch req.Type {
	case models.RequestCreateScheduleAlarm:
		return c.OnCreateRequest(ctx, req.ID, req.ScheduledAt), nil
	default:
		slog.Warn("Coordinator.HandleRequest: unsupported request type", "type", req.Type)
		return models.Failure(fmt.Sprintf("unsupported request type %q", req.Type)), nil
	}
}

// Schedule persists a new pending message and arms its alarm. An empty id is assigned a
// fresh UUID. If arming fails the item stays stored and the next resync arms it.
func (c *Coordinator) Schedule(ctx context.Context, msg models.ScheduledMessage) (*models.ScheduledMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	saved, err := c.repo.AddScheduled(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := c.Arm(ctx, saved.ID, saved.ScheduledTime()); err != nil {
		slog.Error("Coordinator.Schedule: stored but not armed", "id", saved.ID, "error", err)
		return saved, err
	}
	return saved, nil
}

// Cancel flips a pending message to cancelled. The armed alarm is left alone and becomes
// a no-op when it fires.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	return c.repo.CancelScheduled(ctx, id)
}
