package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/store"
)

// timerEntry tracks one armed in-process alarm.
type timerEntry struct {
	timer  *time.Timer
	fireAt time.Time
}

// TimerService implements Service with time.AfterFunc. Alarms do not survive the process.
type TimerService struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	handler Handler
}

// NewTimerService creates an empty TimerService.
func NewTimerService() *TimerService {
	slog.Debug("Creating TimerService")
	return &TimerService{timers: make(map[string]*timerEntry)}
}

// SetHandler installs the fire callback.
func (s *TimerService) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Create arms the alarm. A time in the past fires on the next scheduler tick.
func (s *TimerService) Create(ctx context.Context, name string, when time.Time) error {
	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[name]; ok {
		prev.timer.Stop()
		slog.Debug("TimerService.Create: replacing existing alarm", "name", name, "previousFireAt", prev.fireAt)
	}

	entry := &timerEntry{fireAt: when}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A re-create may have replaced this entry after the timer already started firing.
		if s.timers[name] != entry {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		h := s.handler
		s.mu.Unlock()

		slog.Debug("TimerService: alarm fired", "name", name)
		if h != nil {
			h(context.Background(), name)
		}
	})
	s.timers[name] = entry

	slog.Debug("TimerService.Create succeeded", "name", name, "delay", delay)
	return nil
}

// Clear stops the alarm. Unknown names are ignored.
func (s *TimerService) Clear(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.timers[name]; ok {
		entry.timer.Stop()
		delete(s.timers, name)
		slog.Debug("TimerService.Clear succeeded", "name", name)
	}
	return nil
}

// List returns the armed alarms, earliest first.
func (s *TimerService) List(ctx context.Context) ([]store.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Alarm, 0, len(s.timers))
	for name, entry := range s.timers {
		out = append(out, store.Alarm{Name: name, FireAt: entry.fireAt.UnixMilli()})
	}
	sortByFireAt(out)
	return out, nil
}

// Stop cancels all armed alarms.
func (s *TimerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.timers {
		entry.timer.Stop()
	}
	slog.Info("TimerService stopped all alarms", "count", len(s.timers))
	s.timers = make(map[string]*timerEntry)
}

var _ Service = (*TimerService)(nil)
