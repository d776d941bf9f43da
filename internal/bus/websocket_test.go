package bus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

func startServer(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForTab(t *testing.T, h *Hub, tabID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range h.Tabs() {
			if id == tabID {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tab %s never registered", tabID)
}

func TestWebSocket_BackgroundToPage(t *testing.T) {
	h := NewHub()
	url := startServer(t, h)

	client, err := Dial(context.Background(), url+"?tab=42", func(ctx context.Context, req models.Request) (models.Response, error) {
		if req.Type != models.RequestSendScheduled {
			return models.Failure("unexpected request"), nil
		}
		return models.Response{Success: req.ConversationID == "X"}, nil
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitForTab(t, h, "42")

	resp, err := h.Request(context.Background(), "42", models.Request{Type: models.RequestSendScheduled, ConversationID: "X", Text: "hi", ID: "1"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected success from page")
	}
}

func TestWebSocket_PageToBackground(t *testing.T) {
	h := NewHub()
	received := make(chan models.Request, 1)
	h.SetBackground(func(ctx context.Context, req models.Request) (models.Response, error) {
		received <- req
		return models.Ack(), nil
	})
	url := startServer(t, h)

	client, err := Dial(context.Background(), url+"?tab=1", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	resp, err := client.Request(context.Background(), models.Request{Type: models.RequestCreateScheduleAlarm, ID: "9", ScheduledAt: 1000})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected acknowledgement")
	}
	req := <-received
	if req.ID != "9" {
		t.Errorf("background received %+v", req)
	}
}

func TestWebSocket_PageErrorSurfacesAsRemoteError(t *testing.T) {
	h := NewHub()
	url := startServer(t, h)

	client, err := Dial(context.Background(), url+"?tab=err", func(ctx context.Context, req models.Request) (models.Response, error) {
		return models.Response{}, errors.New("compose box not found")
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitForTab(t, h, "err")

	_, err = h.Request(context.Background(), "err", models.Request{Type: models.RequestSendScheduled})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "compose box not found" {
		t.Errorf("unexpected message %q", remote.Message)
	}
}

func TestWebSocket_DisconnectUnregistersTab(t *testing.T) {
	h := NewHub()
	url := startServer(t, h)

	client, err := Dial(context.Background(), url+"?tab=gone", displaying("X"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitForTab(t, h, "gone")
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.Tabs()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tab still registered after close: %v", h.Tabs())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.Request(context.Background(), "gone", models.Request{Type: models.RequestSendScheduled}); !errors.Is(err, ErrNoSuchTab) {
		t.Errorf("expected ErrNoSuchTab, got %v", err)
	}
}

func TestWebSocket_MissingTabRejected(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
