package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// FindPage asks every connected page which conversation it displays and returns the first
// tab, in tab order, showing conversationID. Pages that fail or time out count as not
// displaying it.
func (c *Coordinator) FindPage(ctx context.Context, conversationID string) (string, bool) {
	tabs := c.pages.Tabs()
	if len(tabs) == 0 {
		return "", false
	}

	current := make([]string, len(tabs))
	var wg sync.WaitGroup
	for i, tab := range tabs {
		wg.Add(1)
		go func(i int, tab string) {
			defer wg.Done()
			resp, err := c.pages.Request(ctx, tab, models.Request{Type: models.RequestCurrentConversation})
			if err != nil {
				slog.Debug("Coordinator.FindPage: page did not answer", "tab", tab, "error", err)
				return
			}
			if resp.Success {
				current[i] = resp.ConversationID
			}
		}(i, tab)
	}
	wg.Wait()

	for i, tab := range tabs {
		if current[i] != "" && current[i] == conversationID {
			return tab, true
		}
	}
	return "", false
}
