package backfila_test

import (
	"context"
	"strings"
	"time"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type cleanupParams struct {
	Table  string
	Limit  int64
	DryLog bool
}

var cleanupCodec = backfila.NewParameterCodec(
	backfila.StringParameter("table",
		func(p cleanupParams) string { return p.Table },
		func(p *cleanupParams, v string) { p.Table = v }),
	backfila.IntParameter("limit",
		func(p cleanupParams) int64 { return p.Limit },
		func(p *cleanupParams, v int64) { p.Limit = v }),
	backfila.BoolParameter("dry_log",
		func(p cleanupParams) bool { return p.DryLog },
		func(p *cleanupParams, v bool) { p.DryLog = v }),
)

var _ = Describe("ParameterCodec", func() {
	It("should list names in declaration order", func() {
		Expect(cleanupCodec.Names()).To(Equal([]string{"table", "limit", "dry_log"}))
	})

	It("should encode fields and omit empty strings", func() {
		Expect(cleanupCodec.Encode(cleanupParams{Limit: 50, DryLog: true})).To(Equal(map[string][]byte{
			"limit":   []byte("50"),
			"dry_log": []byte("true"),
		}))
	})

	It("should decode what it encoded", func() {
		in := cleanupParams{Table: "orders", Limit: -3}
		out, err := cleanupCodec.Decode(cleanupCodec.Encode(in))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(in))
	})

	It("should leave missing parameters at their zero value", func() {
		out, err := cleanupCodec.Decode(map[string][]byte{"table": []byte("users")})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(cleanupParams{Table: "users"}))
	})

	DescribeTable("should reject malformed values",
		func(name, value string) {
			_, err := cleanupCodec.Decode(map[string][]byte{name: []byte(value)})
			Expect(backfila.IsValidationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("parameter " + name + " is invalid"))
		},
		Entry("int", "limit", "ten"),
		Entry("bool", "dry_log", "maybe"),
	)

	It("should refuse oversized values when a run is created", func() {
		h := newHarness(newRecordsOperator(map[string]int{"p": 1}))
		_, err := h.creator.Create(context.Background(), "tester", "svc", "", backfila.CreateBackfillRequest{
			BackfillName: "fill",
			Parameters:   map[string][]byte{"table": []byte(strings.Repeat("x", backfila.MaxParameterValueSize+1))},
		})
		Expect(backfila.IsValidationError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("parameter table is too long"))
	})
})

var _ = Describe("BackoffSchedule", func() {
	It("should parse millisecond lists", func() {
		schedule, err := backfila.ParseBackoffSchedule(" 100, 2000 ,0")
		Expect(err).NotTo(HaveOccurred())
		Expect(schedule).To(Equal(backfila.BackoffSchedule{100 * time.Millisecond, 2 * time.Second, 0}))
		Expect(schedule.String()).To(Equal("100,2000,0"))
	})

	It("should treat an empty schedule as the default", func() {
		schedule, err := backfila.ParseBackoffSchedule("")
		Expect(err).NotTo(HaveOccurred())
		Expect(schedule).To(BeNil())
		Expect(schedule.OrDefault()).To(Equal(backfila.DefaultBackoffSchedule))
	})

	DescribeTable("should reject malformed schedules",
		func(input string) {
			_, err := backfila.ParseBackoffSchedule(input)
			Expect(backfila.IsValidationError(err)).To(BeTrue())
		},
		Entry("word", "soon"),
		Entry("negative", "100,-1"),
		Entry("empty element", "100,,200"),
	)

	It("should hand out delays until the schedule is exhausted", func() {
		schedule := backfila.BackoffSchedule{10 * time.Millisecond, 20 * time.Millisecond}

		delay, ok := schedule.Delay(1)
		Expect(ok).To(BeTrue())
		Expect(delay).To(Equal(10 * time.Millisecond))
		delay, ok = schedule.Delay(2)
		Expect(ok).To(BeTrue())
		Expect(delay).To(Equal(20 * time.Millisecond))
		_, ok = schedule.Delay(3)
		Expect(ok).To(BeFalse())

		delay, ok = schedule.Delay(0)
		Expect(ok).To(BeTrue())
		Expect(delay).To(BeZero())
	})
})
