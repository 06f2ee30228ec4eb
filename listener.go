package backfila

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// RunListener is notified about run lifecycle changes.
// Listeners are best-effort: their errors are logged and never fail the caller.
type RunListener interface {
	RunStarted(ctx context.Context, run *BackfillRun, user string) error
	RunPaused(ctx context.Context, run *BackfillRun, user string) error
	RunCancelled(ctx context.Context, run *BackfillRun, user string) error
	RunErrored(ctx context.Context, run *BackfillRun, partition *RunPartition, cause error) error
	RunCompleted(ctx context.Context, run *BackfillRun) error
}

// Listeners fans notifications out to a set of listeners, isolating each one.
type Listeners struct {
	listeners []RunListener
	logger    *slog.Logger
}

// NewListeners creates a fan-out over listeners. A nil logger discards output.
func NewListeners(logger *slog.Logger, listeners ...RunListener) *Listeners {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listeners{listeners: listeners, logger: logger.With("component", "listeners")}
}

// Add appends a listener. It must not be called concurrently with notifications.
func (l *Listeners) Add(listener RunListener) {
	l.listeners = append(l.listeners, listener)
}

func (l *Listeners) notify(event string, runID string, fn func(RunListener) error) {
	if l == nil {
		return
	}
	for _, listener := range l.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("listener panicked", "event", event, "run", runID, "listener", fmt.Sprintf("%T", listener), "panic", r)
				}
			}()
			if err := fn(listener); err != nil {
				l.logger.Warn("listener failed", "event", event, "run", runID, "listener", fmt.Sprintf("%T", listener), "error", err)
			}
		}()
	}
}

func (l *Listeners) RunStarted(ctx context.Context, run *BackfillRun, user string) error {
	l.notify("started", run.ID, func(listener RunListener) error { return listener.RunStarted(ctx, run, user) })
	return nil
}

func (l *Listeners) RunPaused(ctx context.Context, run *BackfillRun, user string) error {
	l.notify("paused", run.ID, func(listener RunListener) error { return listener.RunPaused(ctx, run, user) })
	return nil
}

func (l *Listeners) RunCancelled(ctx context.Context, run *BackfillRun, user string) error {
	l.notify("cancelled", run.ID, func(listener RunListener) error { return listener.RunCancelled(ctx, run, user) })
	return nil
}

func (l *Listeners) RunErrored(ctx context.Context, run *BackfillRun, partition *RunPartition, cause error) error {
	l.notify("errored", run.ID, func(listener RunListener) error { return listener.RunErrored(ctx, run, partition, cause) })
	return nil
}

func (l *Listeners) RunCompleted(ctx context.Context, run *BackfillRun) error {
	l.notify("completed", run.ID, func(listener RunListener) error { return listener.RunCompleted(ctx, run) })
	return nil
}

// LogListener writes an audit line for every lifecycle change.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a listener that logs at info level.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogListener{logger: logger.With("component", "audit")}
}

func (l *LogListener) RunStarted(_ context.Context, run *BackfillRun, user string) error {
	l.logger.Info("backfill started", "backfill", run.BackfillName, "run", run.ID, "user", user, "dryRun", run.DryRun)
	return nil
}

func (l *LogListener) RunPaused(_ context.Context, run *BackfillRun, user string) error {
	l.logger.Info("backfill paused", "backfill", run.BackfillName, "run", run.ID, "user", user)
	return nil
}

func (l *LogListener) RunCancelled(_ context.Context, run *BackfillRun, user string) error {
	l.logger.Info("backfill cancelled", "backfill", run.BackfillName, "run", run.ID, "user", user)
	return nil
}

func (l *LogListener) RunErrored(_ context.Context, run *BackfillRun, partition *RunPartition, cause error) error {
	l.logger.Error("backfill partition errored", "backfill", run.BackfillName, "run", run.ID, "partition", partition.PartitionName, "error", cause)
	return nil
}

func (l *LogListener) RunCompleted(_ context.Context, run *BackfillRun) error {
	l.logger.Info("backfill completed", "backfill", run.BackfillName, "run", run.ID)
	return nil
}

// EventLogListener persists errors and completions to the run's event log.
// State changes made by operators are recorded by the StateToggler itself.
type EventLogListener struct {
	store Store
}

// NewEventLogListener creates a listener writing to store.
func NewEventLogListener(store Store) *EventLogListener {
	return &EventLogListener{store: store}
}

func (l *EventLogListener) RunStarted(context.Context, *BackfillRun, string) error   { return nil }
func (l *EventLogListener) RunPaused(context.Context, *BackfillRun, string) error    { return nil }
func (l *EventLogListener) RunCancelled(context.Context, *BackfillRun, string) error { return nil }

func (l *EventLogListener) RunErrored(ctx context.Context, run *BackfillRun, partition *RunPartition, cause error) error {
	return l.store.RecordEvent(ctx, &EventLog{
		RunID:       run.ID,
		PartitionID: partition.ID,
		Type:        EventTypeError,
		Message:     fmt.Sprintf("partition %s errored", partition.PartitionName),
		ExtraData:   errorString(cause),
	})
}

func (l *EventLogListener) RunCompleted(ctx context.Context, run *BackfillRun) error {
	return l.store.RecordEvent(ctx, &EventLog{
		RunID:   run.ID,
		Type:    EventTypeStateChange,
		Message: "backfill completed",
	})
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
