// Package alarm provides one-shot named alarms used to wake the coordinator when a
// scheduled message is due.
//
// Two implementations exist. TimerService keeps alarms in process memory and loses them on
// exit. DurableService persists them in the store and polls for due ones, so an alarm created
// before a restart still fires after it.
package alarm

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/store"
)

// SchedulePrefix namespaces alarms that belong to scheduled messages.
const SchedulePrefix = "schedule_"

// Name returns the alarm name for a scheduled message id.
func Name(id string) string {
	return SchedulePrefix + id
}

// IDFromName recovers the scheduled message id from an alarm name. ok is false for alarms
// outside the schedule namespace.
func IDFromName(name string) (id string, ok bool) {
	if !strings.HasPrefix(name, SchedulePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, SchedulePrefix), true
}

// Handler is called once per fired alarm.
type Handler func(ctx context.Context, name string)

// Service registers one-shot alarms by name.
type Service interface {
	// Create schedules the alarm, replacing any existing alarm with the same name.
	Create(ctx context.Context, name string, when time.Time) error
	// Clear removes the alarm if it has not fired yet.
	Clear(ctx context.Context, name string) error
	// SetHandler installs the callback invoked when an alarm fires.
	SetHandler(h Handler)
	// List returns the alarms that have not fired yet, earliest first.
	List(ctx context.Context) ([]store.Alarm, error)
}
