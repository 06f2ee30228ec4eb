package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const toggleAttempts = 3

// StateToggler applies operator requested run state changes.
type StateToggler struct {
	store     Store
	listeners *Listeners
	logger    *slog.Logger
}

// NewStateToggler creates a toggler. listeners may be nil.
func NewStateToggler(store Store, listeners *Listeners, logger *slog.Logger) *StateToggler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StateToggler{store: store, listeners: listeners, logger: logger.With("component", "toggler")}
}

func toggleAllowed(from, to RunState) bool {
	switch to {
	case RunStateRunning:
		return from == RunStatePaused
	case RunStatePaused:
		return from == RunStateRunning
	case RunStateCancelled:
		return from == RunStatePaused || from == RunStateRunning
	default:
		return false
	}
}

// Toggle moves the run to desired. Asking for the current state is a no-op.
// Runners observe the change at the top of their next iteration, so an in-flight batch finishes.
func (t *StateToggler) Toggle(ctx context.Context, runID, caller string, desired RunState) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	switch desired {
	case RunStateRunning, RunStatePaused, RunStateCancelled:
	default:
		return validationErrorf("cannot toggle a run to %s", desired)
	}

	for attempt := 0; attempt < toggleAttempts; attempt++ {
		run, err := t.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State == desired {
			return nil
		}
		if !toggleAllowed(run.State, desired) {
			return fmt.Errorf("cannot move run %s from %s to %s: %w", runID, run.State, desired, ErrStateConflict)
		}

		err = t.store.SetRunState(ctx, runID, run.State, desired)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("set run state: %w", err)
		}

		from := run.State
		run.State = desired
		t.recordChange(ctx, run, from, caller)
		if desired == RunStateRunning {
			// Every partition may have finished while the run was paused.
			if err := completeRunIfDone(ctx, t.store, t.listeners, runID); err != nil {
				t.logger.Warn("failed to complete run", "run", runID, "error", err)
			}
		}
		return nil
	}
	return fmt.Errorf("run %s changed concurrently: %w", runID, ErrStateConflict)
}

func (t *StateToggler) recordChange(ctx context.Context, run *BackfillRun, from RunState, caller string) {
	if err := t.store.RecordEvent(ctx, &EventLog{
		RunID:   run.ID,
		User:    caller,
		Type:    EventTypeStateChange,
		Message: fmt.Sprintf("state changed from %s to %s", from, run.State),
	}); err != nil {
		t.logger.Warn("failed to record state change", "run", run.ID, "error", err)
	}

	switch run.State {
	case RunStateRunning:
		_ = t.listeners.RunStarted(ctx, run, caller)
	case RunStatePaused:
		_ = t.listeners.RunPaused(ctx, run, caller)
	case RunStateCancelled:
		_ = t.listeners.RunCancelled(ctx, run, caller)
	}
}
