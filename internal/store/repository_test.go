package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestRepository(t *testing.T) (*Repository, *InMemoryStore) {
	t.Helper()
	s := NewInMemoryStore()
	return NewRepository(s, WithClock(func() time.Time { return testNow })), s
}

func TestRepository_AddScheduled(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	m, err := repo.AddScheduled(ctx, models.ScheduledMessage{
		ID: "1", ConversationID: "Ana", Text: "Bom dia", ScheduledAt: testNow.UnixMilli() + 60_000,
		Status: models.ScheduleStatusSent, // ignored on create
	})
	if err != nil {
		t.Fatalf("AddScheduled failed: %v", err)
	}
	if m.Status != models.ScheduleStatusPending {
		t.Errorf("expected pending, got %s", m.Status)
	}
	if m.CreatedAt != testNow.UnixMilli() {
		t.Errorf("expected createdAt %d, got %d", testNow.UnixMilli(), m.CreatedAt)
	}

	got, err := repo.GetScheduled(ctx, "1")
	if err != nil {
		t.Fatalf("GetScheduled failed: %v", err)
	}
	if got.Text != "Bom dia" {
		t.Errorf("unexpected stored message: %+v", got)
	}

	_, err = repo.AddScheduled(ctx, models.ScheduledMessage{
		ID: "1", ConversationID: "Ana", Text: "again", ScheduledAt: testNow.UnixMilli() + 60_000,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRepository_AddScheduledRejectsPastTime(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.AddScheduled(ctx, models.ScheduledMessage{
		ID: "1", ConversationID: "Ana", Text: "late", ScheduledAt: testNow.UnixMilli() - 1,
	})
	if !errors.Is(err, models.ErrScheduleNotInFuture) {
		t.Fatalf("expected ErrScheduleNotInFuture, got %v", err)
	}
	all, _ := repo.ListScheduled(ctx)
	if len(all) != 0 {
		t.Errorf("rejected message was persisted: %+v", all)
	}
}

func TestRepository_ScheduledTransitions(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	at := testNow.UnixMilli() + 1000
	for _, id := range []string{"a", "b", "c"} {
		if _, err := repo.AddScheduled(ctx, models.ScheduledMessage{ID: id, ConversationID: "X", Text: "hi", ScheduledAt: at}); err != nil {
			t.Fatalf("AddScheduled(%s) failed: %v", id, err)
		}
	}

	if err := repo.CancelScheduled(ctx, "a"); err != nil {
		t.Fatalf("CancelScheduled failed: %v", err)
	}
	if err := repo.MarkScheduledSent(ctx, "b"); err != nil {
		t.Fatalf("MarkScheduledSent failed: %v", err)
	}
	if err := repo.MarkScheduledMissed(ctx, "c"); err != nil {
		t.Fatalf("MarkScheduledMissed failed: %v", err)
	}

	tests := []struct {
		id   string
		want models.ScheduleStatus
	}{
		{"a", models.ScheduleStatusCancelled},
		{"b", models.ScheduleStatusSent},
		{"c", models.ScheduleStatusMissed},
	}
	for _, tt := range tests {
		m, err := repo.GetScheduled(ctx, tt.id)
		if err != nil {
			t.Fatalf("GetScheduled(%s) failed: %v", tt.id, err)
		}
		if m.Status != tt.want {
			t.Errorf("message %s: status = %s, want %s", tt.id, m.Status, tt.want)
		}
	}

	// Terminal states never move again
	if err := repo.MarkScheduledSent(ctx, "a"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending for cancelled message, got %v", err)
	}
	if err := repo.CancelScheduled(ctx, "b"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending for sent message, got %v", err)
	}
	if err := repo.CancelScheduled(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_ListScheduledForConversation(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	at := testNow.UnixMilli() + 1000
	repo.AddScheduled(ctx, models.ScheduledMessage{ID: "1", ConversationID: "Ana", Text: "a", ScheduledAt: at})
	repo.AddScheduled(ctx, models.ScheduledMessage{ID: "2", ConversationID: "Bia", Text: "b", ScheduledAt: at})
	repo.AddScheduled(ctx, models.ScheduledMessage{ID: "3", ConversationID: "Ana", Text: "c", ScheduledAt: at})

	got, err := repo.ListScheduledForConversation(ctx, "Ana")
	if err != nil {
		t.Fatalf("ListScheduledForConversation failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("unexpected messages: %+v", got)
	}
}

func TestRepository_UpsertConversation(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	name := "Ana"
	c, err := repo.UpsertConversation(ctx, "5511999", models.ConversationPatch{Name: &name})
	if err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}
	if c.Stage != models.DefaultStage {
		t.Errorf("expected default stage, got %q", c.Stage)
	}
	if c.LastUpdated != testNow.UnixMilli() {
		t.Errorf("expected lastUpdated to be stamped, got %d", c.LastUpdated)
	}

	stage := models.StageProposal
	notes := "quer orçamento"
	if _, err := repo.UpsertConversation(ctx, "5511999", models.ConversationPatch{Stage: &stage, Notes: &notes}); err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}
	got, err := repo.GetConversation(ctx, "5511999")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Name != "Ana" || got.Stage != models.StageProposal || got.Notes != "quer orçamento" {
		t.Errorf("patch did not merge: %+v", got)
	}

	byStage, _ := repo.ListConversationsByStage(ctx, models.StageProposal)
	if len(byStage) != 1 || byStage[0].ID != "5511999" {
		t.Errorf("ListConversationsByStage = %+v", byStage)
	}

	bad := models.Stage("perdido")
	if _, err := repo.UpsertConversation(ctx, "5511999", models.ConversationPatch{Stage: &bad}); !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}

	if err := repo.DeleteConversation(ctx, "5511999"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := repo.GetConversation(ctx, "5511999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRepository_BotRulesKeepOrder(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	rules := []models.BotRule{
		{ID: "r1", TriggerType: models.TriggerTypeKeyword, Trigger: "preço", ResponseText: "Tabela em anexo", Active: true},
		{ID: "r2", TriggerType: models.TriggerTypeExact, Trigger: "oi", ResponseText: "olá!", Active: true},
	}
	for _, r := range rules {
		if err := repo.UpsertBotRule(ctx, r); err != nil {
			t.Fatalf("UpsertBotRule failed: %v", err)
		}
	}

	updated := rules[0]
	updated.ResponseText = "Segue a tabela"
	if err := repo.UpsertBotRule(ctx, updated); err != nil {
		t.Fatalf("UpsertBotRule failed: %v", err)
	}
	if err := repo.SetBotRuleActive(ctx, "r2", false); err != nil {
		t.Fatalf("SetBotRuleActive failed: %v", err)
	}

	got, _ := repo.ListBotRules(ctx)
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("rule order changed: %+v", got)
	}
	if got[0].ResponseText != "Segue a tabela" {
		t.Error("rule not replaced in place")
	}
	if got[1].Active {
		t.Error("rule r2 should be inactive")
	}

	if active, err := repo.ToggleBotRule(ctx, "r2"); err != nil || !active {
		t.Errorf("ToggleBotRule = %v, %v; want true, nil", active, err)
	}
	repo.SetBotRuleActive(ctx, "r2", false)

	if err := repo.SetBotRuleActive(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.DeleteBotRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteBotRule failed: %v", err)
	}
	got, _ = repo.ListBotRules(ctx)
	if len(got) != 1 || got[0].ID != "r2" {
		t.Errorf("unexpected rules after delete: %+v", got)
	}
}

func TestRepository_BotEnabledAndTemplates(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	if on, _ := repo.BotEnabled(ctx); on {
		t.Error("bot should start disabled")
	}
	repo.SetBotEnabled(ctx, true)
	if on, _ := repo.BotEnabled(ctx); !on {
		t.Error("bot should be enabled")
	}

	if err := repo.UpsertTemplate(ctx, models.Template{ID: "t1", Shortcut: "/pix", Text: "Chave pix: ..."}); err != nil {
		t.Fatalf("UpsertTemplate failed: %v", err)
	}
	if err := repo.UpsertTemplate(ctx, models.Template{ID: "t2", Shortcut: "", Text: "x"}); !errors.Is(err, models.ErrEmptyTemplateShortcut) {
		t.Errorf("expected ErrEmptyTemplateShortcut, got %v", err)
	}
	repo.DeleteTemplate(ctx, "t1")
	tpls, _ := repo.ListTemplates(ctx)
	if len(tpls) != 0 {
		t.Errorf("expected no templates, got %+v", tpls)
	}
}

func TestRepository_CorruptDocumentStartsFresh(t *testing.T) {
	repo, s := newTestRepository(t)
	ctx := context.Background()
	s.SetRaw([]byte("\x00\x01"))

	if _, err := repo.AddScheduled(ctx, models.ScheduledMessage{
		ID: "1", ConversationID: "X", Text: "hi", ScheduledAt: testNow.UnixMilli() + 1,
	}); err != nil {
		t.Fatalf("AddScheduled over corrupt document failed: %v", err)
	}
	all, _ := repo.ListScheduled(ctx)
	if len(all) != 1 {
		t.Errorf("expected 1 message, got %d", len(all))
	}
}
