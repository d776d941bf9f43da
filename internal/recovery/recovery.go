// Package recovery resynchronizes derived runtime state with the stored CRM document when
// the coordinator starts, and again on every later startup event.
//
// The stored document is the only source of truth. Anything rebuilt here (armed alarms,
// alarm table contents) is a cache that may be lost at any time.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ChatCRM/internal/alarm"
	"github.com/BTreeMap/ChatCRM/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	docs   store.DocumentStore
	alarms alarm.Service
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(docs store.DocumentStore, alarms alarm.Service) *RecoveryRegistry {
	return &RecoveryRegistry{docs: docs, alarms: alarms}
}

// GetStore provides access to the document store for recovery operations
func (r *RecoveryRegistry) GetStore() store.DocumentStore {
	return r.docs
}

// GetAlarms provides access to the alarm service for recovery operations
func (r *RecoveryRegistry) GetAlarms() alarm.Service {
	return r.alarms
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(docs store.DocumentStore, alarms alarm.Service) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(docs, alarms),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered. Components recover in
// registration order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing component does not
// stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
