package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/coordinator"
	"github.com/BTreeMap/ChatCRM/internal/models"
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /conversations", s.listConversationsHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("PATCH /conversations/{id}", s.patchConversationHandler)
	mux.HandleFunc("DELETE /conversations/{id}", s.deleteConversationHandler)

	mux.HandleFunc("GET /templates", s.listTemplatesHandler)
	mux.HandleFunc("PUT /templates/{id}", s.putTemplateHandler)
	mux.HandleFunc("DELETE /templates/{id}", s.deleteTemplateHandler)

	mux.HandleFunc("GET /bot/rules", s.listBotRulesHandler)
	mux.HandleFunc("PUT /bot/rules/{id}", s.putBotRuleHandler)
	mux.HandleFunc("POST /bot/rules/{id}/toggle", s.toggleBotRuleHandler)
	mux.HandleFunc("DELETE /bot/rules/{id}", s.deleteBotRuleHandler)
	mux.HandleFunc("GET /bot/enabled", s.getBotEnabledHandler)
	mux.HandleFunc("PUT /bot/enabled", s.putBotEnabledHandler)

	mux.HandleFunc("GET /scheduled", s.listScheduledHandler)
	mux.HandleFunc("POST /scheduled", s.createScheduledHandler)
	mux.HandleFunc("GET /scheduled/{id}", s.getScheduledHandler)
	mux.HandleFunc("POST /scheduled/{id}/cancel", s.cancelScheduledHandler)

	mux.HandleFunc("GET /alarms", s.listAlarmsHandler)
	mux.HandleFunc("GET /pages", s.listPagesHandler)
	mux.HandleFunc("POST /headless/open", s.openHeadlessHandler)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"pages": len(s.hub.Tabs()),
	}))
}

// --- Conversations ---

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		entries []models.ConversationEntry
		err     error
	)
	if stage := r.URL.Query().Get("stage"); stage != "" {
		if !models.IsValidStage(models.Stage(stage)) {
			writeError(w, "Server.listConversationsHandler", models.ErrInvalidStage)
			return
		}
		entries, err = s.repo.ListConversationsByStage(r.Context(), models.Stage(stage))
	} else {
		entries, err = s.repo.ListConversations(r.Context())
	}
	if err != nil {
		writeError(w, "Server.listConversationsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.repo.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, "Server.getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConversationEntry{ID: id, ConversationData: *c}))
}

func (s *Server) patchConversationHandler(w http.ResponseWriter, r *http.Request) {
	var patch models.ConversationPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	id := r.PathValue("id")
	c, err := s.repo.UpsertConversation(r.Context(), id, patch)
	if err != nil {
		writeError(w, "Server.patchConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConversationEntry{ID: id, ConversationData: *c}))
}

func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "Server.deleteConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation deleted", nil))
}

// --- Templates ---

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.repo.ListTemplates(r.Context())
	if err != nil {
		writeError(w, "Server.listTemplatesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

func (s *Server) putTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if !decodeJSON(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")
	if err := s.repo.UpsertTemplate(r.Context(), t); err != nil {
		writeError(w, "Server.putTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

func (s *Server) deleteTemplateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "Server.deleteTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template deleted", nil))
}

// --- Bot ---

func (s *Server) listBotRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListBotRules(r.Context())
	if err != nil {
		writeError(w, "Server.listBotRulesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rules))
}

func (s *Server) putBotRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.BotRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ID = r.PathValue("id")
	if err := s.repo.UpsertBotRule(r.Context(), rule); err != nil {
		writeError(w, "Server.putBotRuleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

func (s *Server) toggleBotRuleHandler(w http.ResponseWriter, r *http.Request) {
	active, err := s.repo.ToggleBotRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Server.toggleBotRuleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"active": active}))
}

func (s *Server) deleteBotRuleHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteBotRule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "Server.deleteBotRuleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot rule deleted", nil))
}

type botEnabledBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) getBotEnabledHandler(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.repo.BotEnabled(r.Context())
	if err != nil {
		writeError(w, "Server.getBotEnabledHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(botEnabledBody{Enabled: enabled}))
}

func (s *Server) putBotEnabledHandler(w http.ResponseWriter, r *http.Request) {
	var body botEnabledBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.repo.SetBotEnabled(r.Context(), body.Enabled); err != nil {
		writeError(w, "Server.putBotEnabledHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(body))
}

// --- Scheduled messages ---

func (s *Server) listScheduledHandler(w http.ResponseWriter, r *http.Request) {
	var (
		items []models.ScheduledMessage
		err   error
	)
	if conversationID := r.URL.Query().Get("conversationId"); conversationID != "" {
		items, err = s.repo.ListScheduledForConversation(r.Context(), conversationID)
	} else {
		items, err = s.repo.ListScheduled(r.Context())
	}
	if err != nil {
		writeError(w, "Server.listScheduledHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

// createScheduledRequest accepts either scheduledAt (epoch ms) or a relative delay.
type createScheduledRequest struct {
	ID               string `json:"id,omitempty"`
	ConversationID   string `json:"conversationId"`
	ConversationName string `json:"conversationName,omitempty"`
	Text             string `json:"text"`
	ScheduledAt      int64  `json:"scheduledAt,omitempty"`
	Delay            string `json:"delay,omitempty"`
}

func (s *Server) createScheduledHandler(w http.ResponseWriter, r *http.Request) {
	var req createScheduledRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scheduledAt := req.ScheduledAt
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid delay: "+err.Error()))
			return
		}
		scheduledAt = time.Now().Add(d).UnixMilli()
	}

	saved, err := s.coord.Schedule(r.Context(), models.ScheduledMessage{
		ID:               req.ID,
		ConversationID:   req.ConversationID,
		ConversationName: req.ConversationName,
		Text:             strings.TrimSpace(req.Text),
		ScheduledAt:      scheduledAt,
	})
	if saved == nil {
		writeError(w, "Server.createScheduledHandler", err)
		return
	}
	if err != nil {
		writeJSONResponse(w, http.StatusAccepted, models.APIResponse{
			Status:  string(models.APIStatusScheduled),
			Message: "Stored but not armed yet; the next resync will arm it",
			Result:  saved,
		})
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Scheduled(saved))
}

type scheduledDetail struct {
	models.ScheduledMessage
	LastOutcome coordinator.FireOutcome `json:"lastOutcome,omitempty"`
}

func (s *Server) getScheduledHandler(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.GetScheduled(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Server.getScheduledHandler", err)
		return
	}
	detail := scheduledDetail{ScheduledMessage: *m}
	if outcome, ok := s.coord.LastOutcome(m.ID); ok {
		detail.LastOutcome = outcome
	}
	writeJSONResponse(w, http.StatusOK, models.Success(detail))
}

func (s *Server) cancelScheduledHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "Server.cancelScheduledHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scheduled message cancelled", nil))
}

// --- Runtime ---

func (s *Server) listAlarmsHandler(w http.ResponseWriter, r *http.Request) {
	alarms, err := s.alarms.List(r.Context())
	if err != nil {
		writeError(w, "Server.listAlarmsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alarms))
}

type pagesResult struct {
	Tabs  []string `json:"tabs"`
	Found string   `json:"found,omitempty"`
}

// listPagesHandler lists connected tabs. With ?conversationId it also reports which tab
// displays that conversation.
func (s *Server) listPagesHandler(w http.ResponseWriter, r *http.Request) {
	result := pagesResult{Tabs: s.hub.Tabs()}
	if conversationID := r.URL.Query().Get("conversationId"); conversationID != "" {
		if tab, ok := s.coord.FindPage(r.Context(), conversationID); ok {
			result.Found = tab
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

type openHeadlessRequest struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name,omitempty"`
}

// openHeadlessHandler points the headless page at a conversation, the way a user would
// open a chat in a browser tab.
func (s *Server) openHeadlessHandler(w http.ResponseWriter, r *http.Request) {
	if s.headless == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Headless page is not enabled"))
		return
	}
	var req openHeadlessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, "Server.openHeadlessHandler", models.ErrEmptyConversationID)
		return
	}
	s.headless.Open(req.ConversationID, req.Name)
	writeJSONResponse(w, http.StatusOK, models.Success(req))
}
