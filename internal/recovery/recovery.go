// Package recovery restores WardWatch runtime state after a restart. Each
// component that holds state outside the database registers a Recoverable and
// the manager runs them once at startup, before any session is admitted.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can rebuild its runtime state at startup.
type Recoverable interface {
	// RecoverState is called once during startup.
	RecoverState(ctx context.Context) error
	// Name identifies the component in logs.
	Name() string
}

// RecoveryManager runs every registered Recoverable.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component to recover.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every component. A failing component does not stop the
// others; the returned error counts the failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, r := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
