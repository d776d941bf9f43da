// Package bus carries request/response messages between the background coordinator and
// the chat pages connected to it.
//
// Every cross-context call is a request that gets exactly one response or fails. A request
// to a page that is gone or does not answer in time fails with an error; it never blocks
// the caller past the hub's timeout.
package bus

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

// DefaultRequestTimeout bounds every cross-context request.
const DefaultRequestTimeout = 10 * time.Second

var (
	ErrNoSuchTab    = errors.New("no page connected with that tab id")
	ErrNoBackground = errors.New("no background handler installed")
	ErrClosed       = errors.New("connection closed")
)

// Handler answers one request.
type Handler func(ctx context.Context, req models.Request) (models.Response, error)

// registration identifies one Connect call so a stale disconnect cannot remove a newer page
// that reused the tab id.
type registration struct {
	handler Handler
}

// Hub is the registry of connected pages plus the background request handler.
type Hub struct {
	mu         sync.RWMutex
	tabs       map[string]*registration
	background Handler
	timeout    time.Duration
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		tabs:    make(map[string]*registration),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Timeout returns the bound applied to every request.
func (h *Hub) Timeout() time.Duration {
	return h.timeout
}

// Connect registers a page under tabID and returns the func that unregisters it. A page
// connecting with a tab id already in use replaces the previous one.
func (h *Hub) Connect(tabID string, handler Handler) (disconnect func()) {
	reg := &registration{handler: handler}

	h.mu.Lock()
	if _, exists := h.tabs[tabID]; exists {
		slog.Warn("Hub.Connect: replacing page with same tab id", "tab", tabID)
	}
	h.tabs[tabID] = reg
	total := len(h.tabs)
	h.mu.Unlock()

	slog.Info("Hub.Connect: page connected", "tab", tabID, "pages", total)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.tabs[tabID] == reg {
				delete(h.tabs, tabID)
			}
			h.mu.Unlock()
			slog.Info("Hub: page disconnected", "tab", tabID)
		})
	}
}

// Tabs returns the ids of the connected pages, sorted.
func (h *Hub) Tabs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.tabs))
	for id := range h.tabs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Request sends req to the page registered under tabID and waits for its response.
func (h *Hub) Request(ctx context.Context, tabID string, req models.Request) (models.Response, error) {
	h.mu.RLock()
	reg, ok := h.tabs[tabID]
	h.mu.RUnlock()
	if !ok {
		return models.Response{}, fmt.Errorf("tab %s: %w", tabID, ErrNoSuchTab)
	}
	return h.call(ctx, reg.handler, req)
}

// SetBackground installs the handler for requests pages send to the background.
func (h *Hub) SetBackground(handler Handler) {
	h.mu.Lock()
	h.background = handler
	h.mu.Unlock()
}

// Dispatch delivers a page's request to the background handler.
func (h *Hub) Dispatch(ctx context.Context, req models.Request) (models.Response, error) {
	h.mu.RLock()
	bg := h.background
	h.mu.RUnlock()
	if bg == nil {
		return models.Response{}, ErrNoBackground
	}
	return h.call(ctx, bg, req)
}

// call runs handler under the hub timeout. A handler that overruns is abandoned; its late
// result is discarded.
func (h *Hub) call(ctx context.Context, handler Handler, req models.Request) (models.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		resp models.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handler(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		slog.Debug("Hub.call: request abandoned", "type", req.Type, "id", req.ID, "error", ctx.Err())
		return models.Response{}, ctx.Err()
	}
}
