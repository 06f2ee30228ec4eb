package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLeaseDuration is how long a won or renewed lease stays valid.
	DefaultLeaseDuration = 5 * time.Minute

	// DefaultThreadMultiplier sizes the batch queue of a partition relative to the run's threads.
	DefaultThreadMultiplier = 2
)

// RunnerEnv holds what lease hunters and runners share.
type RunnerEnv struct {
	Store      Store
	Connectors *ConnectorProvider
	Listeners  *Listeners
	Metrics    *Metrics
	Logger     *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
	// LeaseDuration defaults to DefaultLeaseDuration.
	LeaseDuration time.Duration
	// ThreadMultiplier defaults to DefaultThreadMultiplier.
	ThreadMultiplier int
}

func (e *RunnerEnv) withDefaults() *RunnerEnv {
	env := *e
	if env.Logger == nil {
		env.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.LeaseDuration <= 0 {
		env.LeaseDuration = DefaultLeaseDuration
	}
	if env.ThreadMultiplier <= 0 {
		env.ThreadMultiplier = DefaultThreadMultiplier
	}
	if env.Connectors == nil {
		env.Connectors = &ConnectorProvider{}
	}
	return &env
}

// LeaseHunter claims RUNNING partitions whose lease expired.
type LeaseHunter struct {
	env    *RunnerEnv
	logger *slog.Logger
}

// NewLeaseHunter creates a hunter over env.
func NewLeaseHunter(env *RunnerEnv) *LeaseHunter {
	env = env.withDefaults()
	return &LeaseHunter{env: env, logger: env.Logger.With("component", "lease_hunter")}
}

// Hunt picks one expired partition at random and tries to lease it. Random choice keeps
// instances hunting at the same moment from converging on the same row. Losing the race
// is not an error: the result is simply empty.
func (h *LeaseHunter) Hunt(ctx context.Context) ([]*BackfillRunner, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	now := h.env.Now()
	candidates, err := h.env.Store.FindExpiredLeases(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	partition := candidates[rand.IntN(len(candidates))]

	run, err := h.env.Store.GetRun(ctx, partition.RunID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", partition.RunID, err)
	}
	service, err := h.env.Store.GetServiceByID(ctx, run.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load service %s: %w", run.ServiceID, err)
	}
	op, err := h.env.Connectors.Operator(service)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", service.Name, err)
	}

	expiresAt := now.Add(h.env.LeaseDuration)
	partition.LeaseToken = uuid.NewString()
	partition.LeaseExpiresAt = &expiresAt
	if err := h.env.Store.UpdatePartition(ctx, partition); err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			h.env.Metrics.leaseLost()
			h.logger.Debug("lost lease race", "run", run.ID, "partition", partition.PartitionName)
			return nil, nil
		}
		return nil, fmt.Errorf("lease partition %s: %w", partition.ID, err)
	}
	h.env.Metrics.leaseWon()
	h.logger.Info("leased partition",
		"backfill", run.BackfillName,
		"run", run.ID,
		"partition", partition.PartitionName,
		"expiresAt", expiresAt,
	)
	return []*BackfillRunner{newBackfillRunner(h.env, run, partition, op)}, nil
}
