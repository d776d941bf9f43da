package store

import (
	"context"
	"sort"
	"time"
)

// Alarm is a persisted one-shot alarm. FireAt is epoch milliseconds.
type Alarm struct {
	Name   string `json:"name"`
	FireAt int64  `json:"fireAt"`
}

// AlarmRepo defines the interface for durable alarm persistence.
type AlarmRepo interface {
	// UpsertAlarm creates the alarm or replaces the fire time of an existing one.
	UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error

	// DeleteAlarm removes the alarm. Deleting an unknown alarm is not an error.
	DeleteAlarm(ctx context.Context, name string) error

	// ClaimDueAlarms removes up to limit alarms whose fire time is <= now and returns them,
	// earliest first. A claimed alarm is never returned twice.
	ClaimDueAlarms(ctx context.Context, now time.Time, limit int) ([]Alarm, error)

	// ListAlarms returns every registered alarm, earliest first.
	ListAlarms(ctx context.Context) ([]Alarm, error)
}

// Compile-time check that InMemoryStore implements AlarmRepo.
var _ AlarmRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = Alarm{Name: name, FireAt: fireAt.UnixMilli()}
	return nil
}

func (s *InMemoryStore) DeleteAlarm(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, name)
	return nil
}

func (s *InMemoryStore) ClaimDueAlarms(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]Alarm, 0)
	for _, a := range s.alarms {
		if a.FireAt <= now.UnixMilli() {
			due = append(due, a)
		}
	}
	sortAlarms(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, a := range due {
		delete(s.alarms, a.Name)
	}
	return due, nil
}

func (s *InMemoryStore) ListAlarms(ctx context.Context) ([]Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	sortAlarms(out)
	return out, nil
}

func sortAlarms(alarms []Alarm) {
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].FireAt == alarms[j].FireAt {
			return alarms[i].Name < alarms[j].Name
		}
		return alarms[i].FireAt < alarms[j].FireAt
	})
}
