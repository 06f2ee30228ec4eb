package backfila_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recordingListener remembers the notifications it received.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) RunStarted(context.Context, *backfila.BackfillRun, string) error {
	l.add("started")
	return nil
}

func (l *recordingListener) RunPaused(context.Context, *backfila.BackfillRun, string) error {
	l.add("paused")
	return nil
}

func (l *recordingListener) RunCancelled(context.Context, *backfila.BackfillRun, string) error {
	l.add("cancelled")
	return nil
}

func (l *recordingListener) RunErrored(_ context.Context, _ *backfila.BackfillRun, p *backfila.RunPartition, _ error) error {
	l.add("errored:" + p.PartitionName)
	return nil
}

func (l *recordingListener) RunCompleted(context.Context, *backfila.BackfillRun) error {
	l.add("completed")
	return nil
}

// harness wires a store, an embedded service and the run lifecycle components.
type harness struct {
	store    *backfila.InMemoryStore
	op       *recordsOperator
	env      *backfila.RunnerEnv
	creator  *backfila.BackfillCreator
	toggler  *backfila.StateToggler
	recorder *recordingListener
}

func newHarness(op *recordsOperator) *harness {
	ctx := context.Background()
	store := backfila.NewInMemoryStore()
	registry := backfila.NewRegistry()
	Expect(registry.Register("fill", func() backfila.BackfillOperator { return op })).To(Succeed())
	connectors := &backfila.ConnectorProvider{Registry: registry}

	service := &backfila.Service{Name: "svc", Variant: backfila.DefaultVariant, ConnectorType: backfila.ConnectorEmbedded}
	Expect(store.SaveService(ctx, service)).To(Succeed())
	Expect(store.SaveRegisteredBackfill(ctx, &backfila.RegisteredBackfill{ServiceID: service.ID, Name: "fill", CreatedAt: time.Now()})).To(Succeed())

	recorder := &recordingListener{}
	listeners := backfila.NewListeners(testLogger(), recorder, backfila.NewEventLogListener(store))
	return &harness{
		store: store,
		op:    op,
		env: &backfila.RunnerEnv{
			Store:      store,
			Connectors: connectors,
			Listeners:  listeners,
			Logger:     testLogger(),
		},
		creator:  backfila.NewBackfillCreator(store, connectors, testLogger()),
		toggler:  backfila.NewStateToggler(store, listeners, testLogger()),
		recorder: recorder,
	}
}

func (h *harness) createRun(req backfila.CreateBackfillRequest) string {
	req.BackfillName = "fill"
	runID, err := h.creator.Create(context.Background(), "tester", "svc", "", req)
	Expect(err).NotTo(HaveOccurred())
	return runID
}

func (h *harness) startRun(req backfila.CreateBackfillRequest) string {
	runID := h.createRun(req)
	Expect(h.toggler.Toggle(context.Background(), runID, "tester", backfila.RunStateRunning)).To(Succeed())
	return runID
}

// drain hunts and executes runners in the calling goroutine until nothing is left to lease.
func (h *harness) drain() {
	hunter := backfila.NewLeaseHunter(h.env)
	for i := 0; ; i++ {
		Expect(i).To(BeNumerically("<", 100))
		runners, err := hunter.Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		if len(runners) == 0 {
			return
		}
		for _, r := range runners {
			r.Execute(context.Background())
		}
	}
}

func (h *harness) partitions(runID string) map[string]*backfila.RunPartition {
	partitions, err := h.store.ListPartitions(context.Background(), runID)
	Expect(err).NotTo(HaveOccurred())
	byName := make(map[string]*backfila.RunPartition, len(partitions))
	for _, p := range partitions {
		byName[p.PartitionName] = p
	}
	return byName
}

func (h *harness) runState(runID string) backfila.RunState {
	run, err := h.store.GetRun(context.Background(), runID)
	Expect(err).NotTo(HaveOccurred())
	return run.State
}

func wet() *bool {
	dryRun := false
	return &dryRun
}

var _ = Describe("LeaseHunter", func() {
	It("should lease nothing while runs are paused", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 5}))
		h.createRun(backfila.CreateBackfillRequest{})

		runners, err := backfila.NewLeaseHunter(h.env).Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(BeEmpty())
	})

	It("should give a partition to exactly one of two racing hunters", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 5}))
		for round := 0; round < 10; round++ {
			runID := h.startRun(backfila.CreateBackfillRequest{})

			var mu sync.Mutex
			var won []*backfila.BackfillRunner
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					<-start
					runners, err := backfila.NewLeaseHunter(h.env).Hunt(context.Background())
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					won = append(won, runners...)
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()

			Expect(won).To(HaveLen(1))
			p := h.partitions(runID)["p"]
			Expect(p.LeaseToken).To(Equal(won[0].LeaseToken()))
			Expect(p.Leased(time.Now())).To(BeTrue())

			// Cancel so the next round only sees its own run
			Expect(h.toggler.Toggle(context.Background(), runID, "tester", backfila.RunStateCancelled)).To(Succeed())
		}
	})

	It("should not lease a partition whose lease is live", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 5}))
		h.startRun(backfila.CreateBackfillRequest{})
		hunter := backfila.NewLeaseHunter(h.env)

		runners, err := hunter.Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(HaveLen(1))

		runners, err = hunter.Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(BeEmpty())
	})
})

var _ = Describe("BackfillRunner", func() {
	It("should run a partition to completion and complete the run", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 30}))
		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 10, BatchSize: 4, DryRun: wet()})

		h.drain()

		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateComplete))
		Expect(p.LeaseToken).To(BeEmpty())
		Expect(p.BackfilledMatchingCount).To(Equal(int64(30)))
		Expect(p.PrecomputeMatchingCount).To(Equal(int64(30)))
		Expect(h.runState(runID)).To(Equal(backfila.RunStateComplete))
		Expect(h.op.ranRecords()).To(HaveLen(30))
		Expect(h.recorder.Events()).To(Equal([]string{"started", "completed"}))
	})

	It("should retry along the backoff schedule and keep counters exact", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 10}))
		h.op.setFailures(2, errors.New("transient"))
		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 10, BatchSize: 5, BackoffSchedule: "100,200,400", DryRun: wet()})

		started := time.Now()
		h.drain()

		Expect(time.Since(started)).To(BeNumerically(">=", 300*time.Millisecond))
		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateComplete))
		Expect(p.BackfilledMatchingCount).To(Equal(int64(10)))
		Expect(p.BackfilledScannedCount).To(Equal(int64(10)))
		Expect(h.op.runCallCount()).To(Equal(4))
		Expect(h.op.ranRecords()).To(Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	})

	It("should error the partition once the schedule is exhausted and recover on resume", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 4}))
		h.op.setFailures(100, errors.New("transient"))
		runID := h.startRun(backfila.CreateBackfillRequest{BatchSize: 2, BackoffSchedule: "10,10", DryRun: wet()})

		h.drain()

		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateErrored))
		Expect(p.ErrorMessage).To(ContainSubstring("transient"))
		Expect(p.LeaseToken).To(BeEmpty())
		Expect(h.op.runCallCount()).To(Equal(3))
		Expect(h.runState(runID)).To(Equal(backfila.RunStateRunning))
		Expect(h.recorder.Events()).To(ContainElement("errored:p"))

		events, err := h.store.ListEvents(context.Background(), runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events[len(events)-1].Type).To(Equal(backfila.EventTypeError))

		h.op.setFailures(0, nil)
		ctx := context.Background()
		Expect(h.toggler.Toggle(ctx, runID, "tester", backfila.RunStatePaused)).To(Succeed())
		Expect(h.toggler.Toggle(ctx, runID, "tester", backfila.RunStateRunning)).To(Succeed())
		Expect(h.partitions(runID)["p"].RunState).To(Equal(backfila.RunStateRunning))

		h.drain()
		Expect(h.runState(runID)).To(Equal(backfila.RunStateComplete))
		Expect(h.op.ranRecords()).To(Equal([]int{0, 1, 2, 3}))
	})

	It("should error only the partition the client rejects", func() {
		h := newHarness(newRecordsOperator(map[string]int{"left": 6, "right": 6}))
		h.op.failPartition = "left"
		h.op.runErr = &backfila.ValidationError{Message: "record 3 is malformed"}
		runID := h.startRun(backfila.CreateBackfillRequest{BatchSize: 3, DryRun: wet()})

		h.drain()

		partitions := h.partitions(runID)
		Expect(partitions["left"].RunState).To(Equal(backfila.RunStateErrored))
		Expect(partitions["left"].ErrorMessage).To(ContainSubstring("record 3 is malformed"))
		Expect(partitions["right"].RunState).To(Equal(backfila.RunStateComplete))
		Expect(partitions["right"].BackfilledMatchingCount).To(Equal(int64(6)))
		Expect(h.runState(runID)).To(Equal(backfila.RunStateRunning))
		// One RunBatch on the rejected partition, two on the healthy one
		Expect(h.op.runCallCount()).To(Equal(3))
	})

	It("should stop on pause, keep progress and finish after resume", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 40}))
		ctx := context.Background()
		runID := h.startRun(backfila.CreateBackfillRequest{ScanSize: 40, BatchSize: 2, ExtraSleepMs: 20, DryRun: wet()})

		runners, err := backfila.NewLeaseHunter(h.env).Hunt(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(HaveLen(1))
		runner := runners[0]
		go runner.Execute(ctx)

		Eventually(func() int { return len(h.op.ranRecords()) }).Should(BeNumerically(">=", 4))
		Expect(h.toggler.Toggle(ctx, runID, "tester", backfila.RunStatePaused)).To(Succeed())
		Eventually(runner.Done()).Should(BeClosed())

		paused := h.partitions(runID)["p"]
		Expect(paused.RunState).To(Equal(backfila.RunStatePaused))
		Expect(paused.LeaseToken).To(BeEmpty())
		Expect(paused.BackfilledMatchingCount).To(Equal(int64(len(h.op.ranRecords()))))
		Expect(paused.BackfilledMatchingCount).To(BeNumerically("<", 40))

		Expect(h.toggler.Toggle(ctx, runID, "tester", backfila.RunStateRunning)).To(Succeed())
		h.drain()

		ran := h.op.ranRecords()
		sort.Ints(ran)
		Expect(ran).To(HaveLen(40))
		for i, id := range ran {
			Expect(id).To(Equal(i), "record %d ran more than once or not at all", i)
		}
		Expect(h.runState(runID)).To(Equal(backfila.RunStateComplete))
	})

	It("should release the lease when stopped", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 100}))
		runID := h.startRun(backfila.CreateBackfillRequest{BatchSize: 1, ExtraSleepMs: 10, DryRun: wet()})

		runners, err := backfila.NewLeaseHunter(h.env).Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		runner := runners[0]
		go runner.Execute(context.Background())

		Eventually(func() int { return len(h.op.ranRecords()) }).Should(BeNumerically(">", 0))
		runner.Stop()
		Eventually(runner.Done()).Should(BeClosed())

		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateRunning))
		Expect(p.LeaseToken).To(BeEmpty())
	})

	It("should exit without work when its lease was taken", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 10}))
		runID := h.startRun(backfila.CreateBackfillRequest{DryRun: wet()})

		runners, err := backfila.NewLeaseHunter(h.env).Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		p := h.partitions(runID)["p"]
		p.LeaseToken = "someone-else"
		Expect(h.store.UpdatePartition(context.Background(), p)).To(Succeed())

		runners[0].Execute(context.Background())
		Expect(h.op.runCallCount()).To(BeZero())
		Expect(h.partitions(runID)["p"].LeaseToken).To(Equal("someone-else"))
	})

	It("should back off and error the partition when progress cannot be saved", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 10}))
		runID := h.startRun(backfila.CreateBackfillRequest{BackoffSchedule: "10,10", DryRun: wet()})
		store := &progressFailingStore{InMemoryStore: h.store, err: errors.New("disk I/O error")}
		env := *h.env
		env.Store = store

		runners, err := backfila.NewLeaseHunter(&env).Hunt(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(runners).To(HaveLen(1))
		store.failing.Store(true)

		done := make(chan struct{})
		go func() {
			defer close(done)
			runners[0].Execute(context.Background())
		}()
		Eventually(done, 5*time.Second).Should(BeClosed())

		// One attempt per entry of the schedule plus the last one that exhausts it
		Expect(h.op.scanCalls + h.op.precomputeCalls).To(Equal(3))
		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateErrored))
		Expect(p.ErrorMessage).To(ContainSubstring("disk I/O error"))
		Expect(p.BackfilledScannedCount).To(BeZero())
		Expect(h.recorder.Events()).To(ContainElement("errored:p"))
	})

	It("should store a long error message without splitting characters", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 3}))
		h.op.failPartition = "p"
		h.op.runErr = &backfila.ValidationError{Message: "x" + strings.Repeat("é", 600)}
		runID := h.startRun(backfila.CreateBackfillRequest{DryRun: wet()})

		h.drain()

		p := h.partitions(runID)["p"]
		Expect(p.RunState).To(Equal(backfila.RunStateErrored))
		Expect(len(p.ErrorMessage)).To(BeNumerically("<=", 1000))
		Expect(len(p.ErrorMessage)).To(BeNumerically(">", 990))
		Expect(utf8.ValidString(p.ErrorMessage)).To(BeTrue())
	})
})

// progressFailingStore fails every partition write that is not marking the partition errored.
type progressFailingStore struct {
	*backfila.InMemoryStore
	err     error
	failing atomic.Bool
}

func (s *progressFailingStore) UpdatePartition(ctx context.Context, p *backfila.RunPartition) error {
	if s.failing.Load() && p.RunState != backfila.RunStateErrored {
		return s.err
	}
	return s.InMemoryStore.UpdatePartition(ctx, p)
}
