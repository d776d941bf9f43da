// Package api provides the HTTP surface of the ChatCRM coordinator.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ChatCRM/internal/models"
	"github.com/BTreeMap/ChatCRM/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		// Use pre-marshaled fallback response - if this fails, we have bigger problems
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	// Write headers and response only after successful JSON marshaling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a JSON request body into v, writing a 400 response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: invalid request body", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// validationErrors are rejections of client input.
var validationErrors = []error{
	models.ErrEmptyID,
	models.ErrEmptyConversationID,
	models.ErrEmptyText,
	models.ErrTextTooLong,
	models.ErrScheduleNotInFuture,
	models.ErrInvalidTriggerType,
	models.ErrEmptyTrigger,
	models.ErrTriggerTooLong,
	models.ErrEmptyResponseText,
	models.ErrInvalidStage,
	models.ErrEmptyTemplateShortcut,
}

// writeError maps repository and validation errors onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrNotPending):
		status = http.StatusConflict
	default:
		for _, v := range validationErrors {
			if errors.Is(err, v) {
				status = http.StatusBadRequest
				break
			}
		}
	}
	if status == http.StatusInternalServerError {
		slog.Error(op+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn(op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
