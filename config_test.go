package backfila_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/VsevolodSauta/backfila"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func setenv(name, value string) {
	Expect(os.Setenv(name, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, name)
}

var _ = Describe("Config", func() {
	It("should load the defaults when nothing is set", func() {
		cfg, err := backfila.LoadConfig("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(Equal(backfila.DefaultConfig()))
		Expect(cfg.StoreBackend).To(Equal(backfila.StoreBackendMemory))
	})

	It("should read a YAML file and let the environment override it", func() {
		path := filepath.Join(GinkgoT().TempDir(), "backfila.yaml")
		Expect(os.WriteFile(path, []byte(`
storeBackend: badger
dataDir: /var/lib/backfila
poolSize: 3
minHuntInterval: 250ms
maxHuntInterval: 2s
logFormat: text
`), 0o600)).To(Succeed())
		setenv("BACKFILA_POOL_SIZE", "7")
		setenv("BACKFILA_LEASE_DURATION", "90s")

		cfg, err := backfila.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.StoreBackend).To(Equal(backfila.StoreBackendBadger))
		Expect(cfg.DataDir).To(Equal("/var/lib/backfila"))
		Expect(cfg.PoolSize).To(Equal(7))
		Expect(cfg.MinHuntInterval).To(Equal(250 * time.Millisecond))
		Expect(cfg.MaxHuntInterval).To(Equal(2 * time.Second))
		Expect(cfg.LeaseDuration).To(Equal(90 * time.Second))
		Expect(cfg.LogFormat).To(Equal("text"))
		Expect(cfg.ListenAddr).To(Equal(":8080"))
	})

	It("should fail on a missing or malformed file", func() {
		_, err := backfila.LoadConfig(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(MatchError(ContainSubstring("error reading config file")))

		path := filepath.Join(GinkgoT().TempDir(), "bad.yaml")
		Expect(os.WriteFile(path, []byte("poolSize: [1, 2"), 0o600)).To(Succeed())
		_, err = backfila.LoadConfig(path)
		Expect(err).To(MatchError(ContainSubstring("error parsing config file")))
	})

	It("should fail on an environment value of the wrong type", func() {
		setenv("BACKFILA_POOL_SIZE", "many")
		_, err := backfila.LoadConfig("")
		Expect(err).To(MatchError(ContainSubstring("error processing environment")))
	})

	DescribeTable("should reject invalid values",
		func(mutate func(*backfila.Config), message string) {
			cfg := backfila.DefaultConfig()
			mutate(cfg)
			Expect(cfg.Validate()).To(MatchError(ContainSubstring(message)))
		},
		Entry("store backend", func(c *backfila.Config) { c.StoreBackend = "postgres" }, "unknown store backend"),
		Entry("pool size", func(c *backfila.Config) { c.PoolSize = 0 }, "poolSize"),
		Entry("hunt interval order", func(c *backfila.Config) { c.MaxHuntInterval = c.MinHuntInterval / 2 }, "hunt interval"),
		Entry("zero hunt interval", func(c *backfila.Config) { c.MinHuntInterval = 0 }, "hunt interval"),
		Entry("lease duration", func(c *backfila.Config) { c.LeaseDuration = 0 }, "leaseDuration"),
		Entry("rpc timeout", func(c *backfila.Config) { c.RPCTimeout = -time.Second }, "rpcTimeout"),
		Entry("thread multiplier", func(c *backfila.Config) { c.ThreadMultiplier = 0 }, "threadMultiplier"),
		Entry("log format", func(c *backfila.Config) { c.LogFormat = "xml" }, "unknown log format"),
	)

	It("should hand its pool settings to the scheduler", func() {
		cfg := backfila.DefaultConfig()
		cfg.PoolSize = 2
		Expect(cfg.SchedulerConfig()).To(Equal(backfila.SchedulerConfig{
			PoolSize:        2,
			MinHuntInterval: time.Second,
			MaxHuntInterval: 5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		}))
	})

	It("should travel in a context", func() {
		Expect(backfila.FromContext(context.Background())).To(BeNil())
		cfg := backfila.DefaultConfig()
		Expect(backfila.FromContext(backfila.WithContext(context.Background(), cfg))).To(BeIdenticalTo(cfg))
	})
})
