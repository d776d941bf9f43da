// Package models defines the core data structures for ChatCRM.
//
// It includes the persisted CRM document, scheduled messages, auto-responder rules,
// and the request/response envelopes exchanged between the coordinator and chat pages.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for an outgoing message
	MaxMessageTextLength = 4096
	// MaxTriggerLength defines the maximum allowed length for a bot rule trigger
	MaxTriggerLength = 256
)

// Error variables for better error handling and testability
var (
	ErrEmptyID               = errors.New("id cannot be empty")
	ErrEmptyConversationID   = errors.New("conversation id cannot be empty")
	ErrEmptyText             = errors.New("message text cannot be empty")
	ErrTextTooLong           = errors.New("message text exceeds maximum length")
	ErrScheduleNotInFuture   = errors.New("scheduled time must be in the future")
	ErrInvalidTriggerType    = errors.New("invalid trigger type")
	ErrEmptyTrigger          = errors.New("trigger cannot be empty")
	ErrTriggerTooLong        = errors.New("trigger exceeds maximum length")
	ErrEmptyResponseText     = errors.New("response text cannot be empty")
	ErrInvalidStage          = errors.New("invalid stage")
	ErrEmptyTemplateShortcut = errors.New("template shortcut cannot be empty")
)

// ScheduleStatus is the lifecycle state of a scheduled message.
type ScheduleStatus string

const (
	// ScheduleStatusPending means the message is waiting for its alarm.
	ScheduleStatusPending ScheduleStatus = "pending"
	// ScheduleStatusSent means a page confirmed delivery.
	ScheduleStatusSent ScheduleStatus = "sent"
	// ScheduleStatusCancelled means the user cancelled the message before it was sent.
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	// ScheduleStatusMissed means the scheduled time elapsed while nothing was running to fire it.
	// Only written when the missed sweep is enabled on the coordinator.
	ScheduleStatusMissed ScheduleStatus = "missed"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleStatusSent, ScheduleStatusCancelled, ScheduleStatusMissed:
		return true
	default:
		return false
	}
}

// ScheduledMessage is a message the user asked to send to a conversation at a later time.
// ScheduledAt and CreatedAt are epoch milliseconds.
type ScheduledMessage struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversationId"`
	ConversationName string         `json:"conversationName,omitempty"`
	Text             string         `json:"text"`
	ScheduledAt      int64          `json:"scheduledAt"`
	Status           ScheduleStatus `json:"status"`
	CreatedAt        int64          `json:"createdAt"`
}

// Validate checks a new scheduled message against the creation rules at the given instant.
func (m *ScheduledMessage) Validate(now time.Time) error {
	if m.ID == "" {
		return ErrEmptyID
	}
	if m.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrTextTooLong
	}
	if m.ScheduledAt <= now.UnixMilli() {
		return ErrScheduleNotInFuture
	}
	return nil
}

// ScheduledTime returns ScheduledAt as a time.Time.
func (m *ScheduledMessage) ScheduledTime() time.Time {
	return time.UnixMilli(m.ScheduledAt)
}

// TriggerType selects how a bot rule trigger is compared with inbound text.
type TriggerType string

const (
	// TriggerTypeKeyword matches when the inbound text contains the trigger.
	TriggerTypeKeyword TriggerType = "keyword"
	// TriggerTypeExact matches when the inbound text equals the trigger.
	TriggerTypeExact TriggerType = "exact"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(tt TriggerType) bool {
	switch tt {
	case TriggerTypeKeyword, TriggerTypeExact:
		return true
	default:
		return false
	}
}

// BotRule is an auto-responder rule. Rules are evaluated in stored order.
type BotRule struct {
	ID           string      `json:"id"`
	TriggerType  TriggerType `json:"triggerType"`
	Trigger      string      `json:"trigger"`
	ResponseText string      `json:"responseText"`
	Active       bool        `json:"active"`
}

// Validate performs validation on a BotRule.
func (r *BotRule) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if !IsValidTriggerType(r.TriggerType) {
		return ErrInvalidTriggerType
	}
	if strings.TrimSpace(r.Trigger) == "" {
		return ErrEmptyTrigger
	}
	if len(r.Trigger) > MaxTriggerLength {
		return ErrTriggerTooLong
	}
	if strings.TrimSpace(r.ResponseText) == "" {
		return ErrEmptyResponseText
	}
	return nil
}

// Stage is a pipeline stage a conversation is tagged with.
type Stage string

const (
	StageNew       Stage = "novo"
	StageInService Stage = "atendimento"
	StageProposal  Stage = "proposta"
	StageClosed    Stage = "fechado"
)

// DefaultStage is the stage given to conversations seen for the first time.
const DefaultStage = StageNew

// IsValidStage checks if the given stage is one of the pipeline stages.
func IsValidStage(s Stage) bool {
	switch s {
	case StageNew, StageInService, StageProposal, StageClosed:
		return true
	default:
		return false
	}
}

// ConversationData holds the CRM record kept for one conversation.
type ConversationData struct {
	Name        string   `json:"name"`
	Phone       string   `json:"phone,omitempty"`
	Email       string   `json:"email,omitempty"`
	Company     string   `json:"company,omitempty"`
	Tags        []string `json:"tags"`
	Notes       string   `json:"notes"`
	Stage       Stage    `json:"stage"`
	LastUpdated int64    `json:"lastUpdated"`
}

// ConversationPatch is a partial update to a ConversationData. Nil fields are left untouched.
type ConversationPatch struct {
	Name    *string   `json:"name,omitempty"`
	Phone   *string   `json:"phone,omitempty"`
	Email   *string   `json:"email,omitempty"`
	Company *string   `json:"company,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
	Notes   *string   `json:"notes,omitempty"`
	Stage   *Stage    `json:"stage,omitempty"`
}

// Validate checks the patch fields that carry constraints.
func (p *ConversationPatch) Validate() error {
	if p.Stage != nil && !IsValidStage(*p.Stage) {
		return ErrInvalidStage
	}
	return nil
}

// Apply merges the patch into c.
func (p *ConversationPatch) Apply(c *ConversationData) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Phone != nil {
		c.Phone = *p.Phone
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.Company != nil {
		c.Company = *p.Company
	}
	if p.Tags != nil {
		c.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	if p.Stage != nil {
		c.Stage = *p.Stage
	}
}

// ConversationEntry is a ConversationData together with its conversation id, used for listings.
type ConversationEntry struct {
	ID string `json:"id"`
	ConversationData
}

// Template is a canned reply the user can insert with a shortcut.
type Template struct {
	ID       string `json:"id"`
	Shortcut string `json:"shortcut"`
	Text     string `json:"text"`
}

// Validate performs validation on a Template.
func (t *Template) Validate() error {
	if t.ID == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(t.Shortcut) == "" {
		return ErrEmptyTemplateShortcut
	}
	if strings.TrimSpace(t.Text) == "" {
		return ErrEmptyText
	}
	return nil
}
