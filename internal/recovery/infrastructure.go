package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/alarm"
	"github.com/BTreeMap/ChatCRM/internal/models"
)

// AlarmPruner clears schedule alarms whose message is gone or no longer pending. Such
// alarms would be no-ops when they fire; pruning only keeps the alarm table small.
// Alarms outside the schedule namespace are left alone.
type AlarmPruner struct{}

// RecoverState implements Recoverable.
func (AlarmPruner) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	alarms, err := registry.GetAlarms().List(ctx)
	if err != nil {
		return err
	}
	doc, err := registry.GetStore().Load(ctx)
	if err != nil {
		return err
	}

	pruned := 0
	for _, a := range alarms {
		id, ok := alarm.IDFromName(a.Name)
		if !ok {
			continue
		}
		i := doc.FindScheduled(id)
		if i >= 0 && doc.ScheduledMessages[i].Status == models.ScheduleStatusPending {
			continue
		}
		if err := registry.GetAlarms().Clear(ctx, a.Name); err != nil {
			slog.Warn("AlarmPruner.RecoverState: clear failed", "name", a.Name, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("AlarmPruner.RecoverState: pruned stale alarms", "count", pruned)
	}
	return nil
}

// ResyncFunc returns a callback that reruns every recoverable as a startup event. It is
// meant for periodic schedulers, so errors are logged rather than returned.
func ResyncFunc(rm *RecoveryManager, timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rm.RecoverAll(ctx); err != nil {
			slog.Error("recovery.ResyncFunc: resync finished with errors", "error", err)
		}
	}
}
