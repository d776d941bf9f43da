// Package autoresponder answers inbound chat messages that match user-defined rules.
//
// The responder watches one inbound stream at a time. For each new message it reads the
// global toggle and the rule list fresh from the store, picks the first active matching
// rule, waits a short human-like delay, then replies to the conversation the message came
// from. The reply is dropped if that conversation is no longer on screen.
package autoresponder

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// DefaultReplyDelay is how long the responder waits before answering.
const DefaultReplyDelay = 800 * time.Millisecond

// State is the watcher state.
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
)

// RuleSource provides the toggle and the rule list. *store.Repository satisfies it.
type RuleSource interface {
	BotEnabled(ctx context.Context) (bool, error)
	ListBotRules(ctx context.Context) ([]models.BotRule, error)
}

// Replier sends a reply to a conversation if it is still on screen. *page.Page satisfies it.
type Replier interface {
	DeliverTo(ctx context.Context, conversationID, text string) bool
}

// normalize is the comparison form of message text and triggers.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MatchRule returns the first active rule matching text, in rule order.
func MatchRule(rules []models.BotRule, text string) (models.BotRule, bool) {
	normalized := normalize(text)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		trigger := normalize(rule.Trigger)
		switch rule.TriggerType {
		case models.TriggerTypeExact:
			if normalized == trigger {
				return rule, true
			}
		case models.TriggerTypeKeyword:
			if strings.Contains(normalized, trigger) {
				return rule, true
			}
		}
	}
	return models.BotRule{}, false
}

// Responder is the auto-responder state machine.
type Responder struct {
	rules   RuleSource
	replier Replier
	delay   time.Duration

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  State
}

// Option configures a Responder.
type Option func(*Responder)

// WithReplyDelay overrides DefaultReplyDelay. Zero replies immediately.
func WithReplyDelay(d time.Duration) Option {
	return func(r *Responder) {
		if d >= 0 {
			r.delay = d
		}
	}
}

// New creates an idle Responder.
func New(rules RuleSource, replier Replier, opts ...Option) *Responder {
	r := &Responder{
		rules:   rules,
		replier: replier,
		delay:   DefaultReplyDelay,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current watcher state.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start subscribes to stream, tearing down any previous subscription first. Watching ends
// when Stop is called, ctx is cancelled, or the stream is closed.
func (r *Responder) Start(ctx context.Context, stream <-chan models.InboundMessage) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.state = StateWatching
	r.mu.Unlock()

	slog.Info("Responder.Start: watching inbound messages")
	go r.watch(ctx, stream, done)
}

// Stop ends the current subscription and waits for in-flight replies to finish or abort.
func (r *Responder) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stop()
}

func (r *Responder) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.state = StateIdle
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		slog.Info("Responder.Stop: stopped watching")
	}
}

func (r *Responder) watch(ctx context.Context, stream <-chan models.InboundMessage, done chan struct{}) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(done)
	}()

	d := newDeduper()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				slog.Info("Responder.watch: inbound stream closed")
				r.mu.Lock()
				if r.done == done {
					r.state = StateIdle
				}
				r.mu.Unlock()
				return
			}
			if !d.accept(msg) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.handle(ctx, msg)
			}()
		}
	}
}

// handle answers one new inbound message.
func (r *Responder) handle(ctx context.Context, msg models.InboundMessage) {
	enabled, err := r.rules.BotEnabled(ctx)
	if err != nil {
		slog.Warn("Responder.handle: could not read bot toggle", "error", err)
		return
	}
	if !enabled {
		return
	}
	rules, err := r.rules.ListBotRules(ctx)
	if err != nil {
		slog.Warn("Responder.handle: could not read rules", "error", err)
		return
	}
	rule, ok := MatchRule(rules, msg.Text)
	if !ok {
		return
	}

	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if !r.replier.DeliverTo(ctx, msg.ConversationID, rule.ResponseText) {
		slog.Info("Responder.handle: reply not delivered", "rule", rule.ID, "conversationID", msg.ConversationID)
		return
	}
	slog.Info("Responder.handle: replied", "rule", rule.ID, "conversationID", msg.ConversationID)
}
