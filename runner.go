package backfila

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	persistAttempts = 3

	// maxErrorMessageLength bounds the error text stored on an errored partition.
	maxErrorMessageLength = 1000
)

// BackfillRunner works one leased partition until it is done, the run stops being RUNNING,
// the lease is lost or Stop is called.
type BackfillRunner struct {
	env        *RunnerEnv
	run        *BackfillRun
	partition  *RunPartition
	leaseToken string
	cursor     *Cursor
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newBackfillRunner(env *RunnerEnv, run *BackfillRun, partition *RunPartition, op BackfillOperator) *BackfillRunner {
	config := StepConfigForRun(run, env.ThreadMultiplier)
	return &BackfillRunner{
		env:        env,
		run:        run,
		partition:  clonePartition(partition),
		leaseToken: partition.LeaseToken,
		cursor: &Cursor{
			Operator: op,
			Config:   config,
			Capacity: int(config.ScanCountLimit),
		},
		logger: env.Logger.With(
			"component", "runner",
			"backfill", run.BackfillName,
			"run", run.ID,
			"partition", partition.PartitionName,
		),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run returns the run the partition belongs to.
func (r *BackfillRunner) Run() *BackfillRun {
	return r.run
}

// Partition returns a snapshot of the partition as last persisted by this runner.
func (r *BackfillRunner) Partition() *RunPartition {
	return clonePartition(r.partition)
}

// LeaseToken returns the token this runner holds.
func (r *BackfillRunner) LeaseToken() string {
	return r.leaseToken
}

// Stop asks the runner to exit at the top of its next iteration. An in-flight client call is
// not interrupted. Stop does not wait; use Done for that.
func (r *BackfillRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done is closed once Execute returned.
func (r *BackfillRunner) Done() <-chan struct{} {
	return r.doneCh
}

func (r *BackfillRunner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Execute runs the partition loop. ctx bounds client calls and store writes; cancelling it
// abandons the current step.
func (r *BackfillRunner) Execute(ctx context.Context) {
	defer close(r.doneCh)
	r.env.Metrics.runnerStarted()
	defer r.env.Metrics.runnerStopped()

	r.logger.Info("runner started")
	failures := 0
	for {
		if r.stopped() || ctx.Err() != nil {
			r.logger.Info("runner stopping")
			releaseCtx, cancel := cleanupContext(ctx)
			r.ReleaseLease(releaseCtx)
			cancel()
			return
		}

		current, err := r.env.Store.GetPartition(ctx, r.partition.ID)
		if err != nil {
			r.logger.Error("failed to reload partition", "error", err)
			r.sleep(ctx, time.Second)
			continue
		}
		if current.LeaseToken != r.leaseToken {
			r.env.Metrics.leaseLost()
			r.logger.Warn("lease taken by another runner")
			return
		}
		r.partition = current
		if current.RunState != RunStateRunning {
			r.logger.Info("partition no longer running", "state", current.RunState)
			r.ReleaseLease(ctx)
			return
		}
		if current.Done() {
			r.complete(ctx)
			return
		}

		working := clonePartition(current)
		kind := working.NextStep(r.cursor.Capacity)
		start := time.Now()
		result, stepErr := r.cursor.Step(ctx, working)
		r.env.Metrics.observeStep(r.run, working, kind, result, time.Since(start), stepErr)

		if stepErr != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			if !r.handleFailure(ctx, kind, failures, stepErr) {
				return
			}
			continue
		}

		err = r.update(ctx, func(p *RunPartition) {
			copyProgress(p, working)
			r.renew(p)
		})
		if errors.Is(err, ErrLeaseStolen) {
			r.env.Metrics.leaseLost()
			r.logger.Warn("lease taken by another runner")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// The step is repeated from the last persisted progress, so it backs off like a failed call.
			failures++
			if !r.handleFailure(ctx, kind, failures, fmt.Errorf("persist progress: %w", err)) {
				return
			}
			continue
		}
		failures = 0

		if kind == StepRun && r.run.ExtraSleep > 0 {
			r.sleep(ctx, r.run.ExtraSleep)
		}
	}
}

// handleFailure applies the backoff schedule. It reports whether the runner should keep going.
func (r *BackfillRunner) handleFailure(ctx context.Context, kind StepKind, failures int, cause error) bool {
	errKind := ClassifyError(cause)
	if !errKind.Retryable() {
		r.fail(ctx, fmt.Errorf("%s failed: %w", kind, cause))
		return false
	}
	delay, ok := r.run.BackoffSchedule.Delay(failures)
	if !ok {
		r.fail(ctx, fmt.Errorf("%s failed %d times: %w", kind, failures, cause))
		return false
	}
	r.logger.Warn("step failed, backing off",
		"step", kind,
		"kind", errKind,
		"failures", failures,
		"delay", delay,
		"error", cause,
	)

	err := r.update(ctx, r.renew)
	if errors.Is(err, ErrLeaseStolen) {
		r.env.Metrics.leaseLost()
		r.logger.Warn("lease taken by another runner")
		return false
	}
	if err != nil {
		r.logger.Error("failed to renew lease", "error", err)
	}
	r.sleep(ctx, delay)
	return true
}

func (r *BackfillRunner) renew(p *RunPartition) {
	expiresAt := r.env.Now().Add(r.env.LeaseDuration)
	p.LeaseExpiresAt = &expiresAt
}

// fail moves the partition to ERRORED. Sibling partitions and the run are unaffected.
func (r *BackfillRunner) fail(ctx context.Context, cause error) {
	message := truncateMessage(cause.Error(), maxErrorMessageLength)
	err := r.update(ctx, func(p *RunPartition) {
		p.RunState = RunStateErrored
		p.ErrorMessage = message
		p.LeaseToken = ""
		p.LeaseExpiresAt = nil
	})
	if err != nil {
		r.logger.Error("failed to mark partition errored", "error", err, "cause", cause)
		return
	}
	r.logger.Error("partition errored", "error", cause)
	_ = r.env.Listeners.RunErrored(ctx, r.run, r.partition, cause)
}

// truncateMessage cuts message to at most limit bytes without splitting a rune.
func truncateMessage(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func (r *BackfillRunner) complete(ctx context.Context) {
	err := r.update(ctx, func(p *RunPartition) {
		p.RunState = RunStateComplete
		p.LeaseToken = ""
		p.LeaseExpiresAt = nil
	})
	if err != nil {
		r.logger.Error("failed to mark partition complete", "error", err)
		return
	}
	r.logger.Info("partition complete",
		"backfilledMatching", r.partition.BackfilledMatchingCount,
		"backfilledScanned", r.partition.BackfilledScannedCount,
	)
	if err := completeRunIfDone(ctx, r.env.Store, r.env.Listeners, r.run.ID); err != nil {
		r.logger.Error("failed to complete run", "error", err)
	}
}

// ReleaseLease clears the lease so another runner may pick the partition up right away.
// A lease that is no longer ours is left alone.
func (r *BackfillRunner) ReleaseLease(ctx context.Context) {
	err := r.update(ctx, func(p *RunPartition) {
		p.LeaseToken = ""
		p.LeaseExpiresAt = nil
	})
	switch {
	case errors.Is(err, ErrLeaseStolen):
	case err != nil:
		r.logger.Warn("failed to release lease", "error", err)
	default:
		r.logger.Debug("lease released")
	}
}

// update applies fn to the partition and writes it. A version conflict caused by someone else,
// for example a run state change, is retried on a fresh copy while the lease is still ours.
func (r *BackfillRunner) update(ctx context.Context, fn func(p *RunPartition)) error {
	p := clonePartition(r.partition)
	for attempt := 1; ; attempt++ {
		fn(p)
		err := r.env.Store.UpdatePartition(ctx, p)
		if err == nil {
			r.partition = p
			return nil
		}
		if !errors.Is(err, ErrLeaseConflict) || attempt >= persistAttempts {
			return err
		}
		fresh, err := r.env.Store.GetPartition(ctx, p.ID)
		if err != nil {
			return err
		}
		if fresh.LeaseToken != r.leaseToken {
			return ErrLeaseStolen
		}
		p = fresh
	}
}

func (r *BackfillRunner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// copyProgress copies the cursor and counters of src onto dst, leaving state, lease and
// version alone.
func copyProgress(dst, src *RunPartition) {
	dst.PrecomputeDone = src.PrecomputeDone
	dst.PrecomputeEndKey = copyBytes(src.PrecomputeEndKey)
	dst.PrecomputeMatchingCount = src.PrecomputeMatchingCount
	dst.PrecomputeScannedCount = src.PrecomputeScannedCount
	dst.ScanDone = src.ScanDone
	dst.ScanEndKey = copyBytes(src.ScanEndKey)
	dst.PendingBatches = copyBatches(src.PendingBatches)
	dst.BackfilledMatchingCount = src.BackfilledMatchingCount
	dst.BackfilledScannedCount = src.BackfilledScannedCount
}

// completeRunIfDone marks a RUNNING run COMPLETE once all of its partitions are. Only the
// caller that wins the state change notifies listeners.
func completeRunIfDone(ctx context.Context, store Store, listeners *Listeners, runID string) error {
	partitions, err := store.ListPartitions(ctx, runID)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if p.RunState != RunStateComplete {
			return nil
		}
	}
	err = store.SetRunState(ctx, runID, RunStateRunning, RunStateComplete)
	if errors.Is(err, ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	_ = listeners.RunCompleted(ctx, run)
	return nil
}
