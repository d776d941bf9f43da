package alarm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/store"
)

// DurableService implements Service on top of a persisted alarm table. Due alarms are
// claimed by a polling loop, so an alarm fires at or after its time, never before.
type DurableService struct {
	repo         store.AlarmRepo
	pollInterval time.Duration
	claimLimit   int
	now          func() time.Time

	mu      sync.RWMutex
	handler Handler
}

// DurableOption configures a DurableService.
type DurableOption func(*DurableService)

// WithPollInterval sets how often the alarm table is checked for due alarms.
func WithPollInterval(d time.Duration) DurableOption {
	return func(s *DurableService) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithNow overrides the clock used to decide which alarms are due.
func WithNow(now func() time.Time) DurableOption {
	return func(s *DurableService) {
		s.now = now
	}
}

// NewDurableService creates a DurableService backed by repo.
func NewDurableService(repo store.AlarmRepo, opts ...DurableOption) *DurableService {
	s := &DurableService{
		repo:         repo,
		pollInterval: time.Second,
		claimLimit:   50,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler installs the fire callback.
func (s *DurableService) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Create persists the alarm, replacing the fire time of an existing one.
func (s *DurableService) Create(ctx context.Context, name string, when time.Time) error {
	if err := s.repo.UpsertAlarm(ctx, name, when); err != nil {
		slog.Error("DurableService.Create failed", "name", name, "error", err)
		return err
	}
	slog.Debug("DurableService.Create succeeded", "name", name, "fireAt", when)
	return nil
}

// Clear deletes the alarm row.
func (s *DurableService) Clear(ctx context.Context, name string) error {
	return s.repo.DeleteAlarm(ctx, name)
}

// List returns the alarms still in the table.
func (s *DurableService) List(ctx context.Context) ([]store.Alarm, error) {
	return s.repo.ListAlarms(ctx)
}

// Run polls for due alarms until ctx is cancelled. Alarms that came due while the process
// was not running fire on the first poll.
func (s *DurableService) Run(ctx context.Context) {
	slog.Info("DurableService.Run: starting alarm poller", "pollInterval", s.pollInterval)

	s.poll(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("DurableService.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll claims due alarms and fires them concurrently, so one slow handler does not hold
// back the rest of the batch. It returns once every handler in the batch has returned. A
// claimed alarm is gone from the table before its handler runs, so a crash mid-handler
// drops that firing.
func (s *DurableService) poll(ctx context.Context) {
	due, err := s.repo.ClaimDueAlarms(ctx, s.now(), s.claimLimit)
	if err != nil {
		slog.Error("DurableService.poll: claim failed", "error", err)
		return
	}

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		slog.Debug("DurableService.poll: alarm fired", "name", a.Name, "fireAt", a.FireAt)
		if h == nil {
			slog.Warn("DurableService.poll: no handler installed, dropping alarm", "name", a.Name)
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h(ctx, name)
		}(a.Name)
	}
	wg.Wait()
}

func sortByFireAt(alarms []store.Alarm) {
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].FireAt != alarms[j].FireAt {
			return alarms[i].FireAt < alarms[j].FireAt
		}
		return alarms[i].Name < alarms[j].Name
	})
}

var _ Service = (*DurableService)(nil)
