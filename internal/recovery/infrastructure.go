package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
)

// StateRestorer installs persisted monitoring states. *monitor.Machine
// implements it.
type StateRestorer interface {
	Restore(ctx context.Context, st models.MonitoringState) *models.Transition
}

// StaleRequeuer requeues outbox rows left in the sending state.
// *store.OutboxSender implements it.
type StaleRequeuer interface {
	RecoverStaleMessages() (int, error)
}

// MonitoringResult summarises a monitoring restore.
type MonitoringResult struct {
	Restored int
	Expired  int
}

// RestoreMonitoring loads every persisted monitoring state into the machine.
// States whose window ended while the process was down are reset to
// BASELINE; live elevated states get their expiry timers re-armed.
func RestoreMonitoring(ctx context.Context, repo store.StateRepo, machine StateRestorer) (MonitoringResult, error) {
	var res MonitoringResult
	states, err := repo.ListStates(ctx)
	if err != nil {
		return res, fmt.Errorf("list monitoring states: %w", err)
	}
	for _, st := range states {
		if st.PatientID == "" {
			slog.Warn("RestoreMonitoring: skipping state without patient")
			continue
		}
		if t := machine.Restore(ctx, st); t != nil {
			res.Expired++
			slog.Info("RestoreMonitoring: expired while offline", "patientID", st.PatientID, "from", t.From)
			continue
		}
		res.Restored++
		if st.Level > models.LevelBaseline {
			slog.Info("RestoreMonitoring: elevated state restored", "patientID", st.PatientID, "level", st.Level, "expiresAt", st.ExpiresAt)
		}
	}
	return res, nil
}

// RecoverOutbox requeues notifications a crashed process left mid-delivery.
func RecoverOutbox(sender StaleRequeuer) (int, error) {
	n, err := sender.RecoverStaleMessages()
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	return n, nil
}

// MonitoringRecoverable adapts RestoreMonitoring to the recovery manager.
type MonitoringRecoverable struct {
	Repo    store.StateRepo
	Machine StateRestorer
}

func (m MonitoringRecoverable) Name() string { return "monitoring" }

func (m MonitoringRecoverable) RecoverState(ctx context.Context) error {
	res, err := RestoreMonitoring(ctx, m.Repo, m.Machine)
	if err != nil {
		return err
	}
	slog.Info("MonitoringRecoverable.RecoverState: states recovered", "restored", res.Restored, "expired", res.Expired)
	return nil
}

// OutboxRecoverable adapts RecoverOutbox to the recovery manager.
type OutboxRecoverable struct {
	Sender StaleRequeuer
}

func (o OutboxRecoverable) Name() string { return "outbox" }

func (o OutboxRecoverable) RecoverState(ctx context.Context) error {
	_, err := RecoverOutbox(o.Sender)
	return err
}
