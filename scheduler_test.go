package backfila_test

import (
	"context"
	"time"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
)

var _ = Describe("RunnerScheduler", func() {
	var (
		h     *harness
		ctx   context.Context
		fast  backfila.SchedulerConfig
		sched *backfila.RunnerScheduler
	)

	BeforeEach(func() {
		ctx = context.Background()
		fast = backfila.SchedulerConfig{
			PoolSize:        4,
			MinHuntInterval: 5 * time.Millisecond,
			MaxHuntInterval: 10 * time.Millisecond,
			ShutdownTimeout: time.Second,
		}
	})

	It("should execute running backfills until they complete", func() {
		h = newHarness(newRecordsOperator(map[string]int{"a": 20, "b": 20, "c": 20}))
		sched = backfila.NewRunnerScheduler(backfila.NewLeaseHunter(h.env), fast)
		Expect(sched.Start(ctx)).To(Succeed())
		defer sched.Stop()

		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 10, BatchSize: 5, DryRun: wet()})
		Eventually(func() backfila.RunState { return h.runState(runID) }, 5*time.Second, 5*time.Millisecond).
			Should(Equal(backfila.RunStateComplete))
		Expect(h.op.ranRecords()).To(HaveLen(60))
		Eventually(sched.ActiveRunners).Should(BeZero())
	})

	It("should not run more partitions than the pool allows", func() {
		h = newHarness(newRecordsOperator(map[string]int{"a": 6, "b": 6, "c": 6}))
		fast.PoolSize = 1
		sched = backfila.NewRunnerScheduler(backfila.NewLeaseHunter(h.env), fast)
		Expect(sched.Start(ctx)).To(Succeed())
		defer sched.Stop()

		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 2, BatchSize: 2, ExtraSleepMs: 5, DryRun: wet()})
		most := 0
		Eventually(func() backfila.RunState {
			if n := sched.ActiveRunners(); n > most {
				most = n
			}
			return h.runState(runID)
		}, 10*time.Second, time.Millisecond).Should(Equal(backfila.RunStateComplete))
		Expect(most).To(Equal(1))
		Expect(h.op.ranRecords()).To(HaveLen(18))
	})

	It("should refuse to start twice", func() {
		h = newHarness(newRecordsOperator(map[string]int{"a": 1}))
		sched = backfila.NewRunnerScheduler(backfila.NewLeaseHunter(h.env), fast)
		Expect(sched.Start(ctx)).To(Succeed())
		defer sched.Stop()
		Expect(sched.Start(ctx)).To(MatchError(ContainSubstring("already started")))
	})

	It("should stop without having been started", func() {
		h = newHarness(newRecordsOperator(map[string]int{"a": 1}))
		sched = backfila.NewRunnerScheduler(backfila.NewLeaseHunter(h.env), fast)
		sched.Stop()
		sched.Stop()
	})

	It("should release leases and leave no goroutines behind on stop", func() {
		snapshot := goleak.IgnoreCurrent()

		h = newHarness(newRecordsOperator(map[string]int{"a": 500, "b": 500}))
		sched = backfila.NewRunnerScheduler(backfila.NewLeaseHunter(h.env), fast)
		Expect(sched.Start(ctx)).To(Succeed())
		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 2, BatchSize: 1, ExtraSleepMs: 10, DryRun: wet()})
		Eventually(sched.ActiveRunners, 5*time.Second, time.Millisecond).Should(Equal(2))

		sched.Stop()
		Expect(sched.ActiveRunners()).To(BeZero())
		Expect(h.runState(runID)).To(Equal(backfila.RunStateRunning))
		for _, p := range h.partitions(runID) {
			Expect(p.RunState).To(Equal(backfila.RunStateRunning))
			Expect(p.LeaseToken).To(BeEmpty())
		}
		Eventually(func() error { return goleak.Find(snapshot) }).Should(Succeed())
	})
})
