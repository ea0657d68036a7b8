package pool

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// aliveBypassWindow is the spec's ALIVE_BYPASS_WINDOW: a handle touched more
// recently than this skips the liveness round-trip on borrow (spec §4.3).
const aliveBypassWindow = 500 * time.Millisecond

// housekeepingPeriod is the Housekeeper's fixed-delay tick interval (spec §4.5).
const housekeepingPeriod = 30 * time.Second

// Config holds every option spec §3 recognizes, plus the logging/naming
// fields the ambient stack needs. Configuration parsing itself is out of
// scope (spec §1): this is a plain struct, not a file format.
type Config struct {
	// PoolName tags log lines and metrics; defaults to "pool".
	PoolName string

	// MinimumIdle is the target idle count the Housekeeper refills toward.
	MinimumIdle int
	// MaximumPoolSize is the hard cap on total live entries.
	MaximumPoolSize int

	// ConnectionTimeout is the default Borrow deadline.
	ConnectionTimeout time.Duration
	// ValidationTimeout bounds a single liveness probe.
	ValidationTimeout time.Duration
	// MaxLifetime caps an entry's age; 0 disables expiry.
	MaxLifetime time.Duration
	// IdleTimeout caps idle residency above MinimumIdle; 0 disables pruning.
	IdleTimeout time.Duration
	// LeakDetectionThreshold, when > 0, logs a warning if a borrowed handle
	// is not returned within this duration.
	LeakDetectionThreshold time.Duration

	// AllowPoolSuspension enables Suspend/Resume (spec §4.4).
	AllowPoolSuspension bool
	// InitializationFailFast performs one synchronous open+probe in New
	// (spec §4.7), raising PoolInitializationError on failure.
	InitializationFailFast bool

	// Logger receives all structured log output. A no-op logger is used if
	// nil, so a zero-value Config never panics.
	Logger *zap.SugaredLogger
	// Metrics receives borrow/usage/timeout counters. NopMetricsSink is used
	// if nil.
	Metrics MetricsSink
}

// Validate enforces spec §3's invariants on Config, collecting every
// violation rather than stopping at the first (mirrors HikariCP's
// all-at-once config validation).
func (c *Config) Validate() error {
	var problems []string

	if c.MaximumPoolSize < 1 {
		problems = append(problems, "maximumPoolSize must be >= 1")
	}
	if c.MinimumIdle < 0 {
		problems = append(problems, "minimumIdle must be >= 0")
	}
	if c.MaximumPoolSize >= 1 && c.MinimumIdle > c.MaximumPoolSize {
		problems = append(problems, "minimumIdle must be <= maximumPoolSize")
	}
	if c.ConnectionTimeout < 0 {
		problems = append(problems, "connectionTimeout must be >= 0")
	}
	if c.ValidationTimeout < 0 {
		problems = append(problems, "validationTimeout must be >= 0")
	}
	if c.MaxLifetime < 0 {
		problems = append(problems, "maxLifetime must be >= 0")
	}
	if c.IdleTimeout < 0 {
		problems = append(problems, "idleTimeout must be >= 0")
	}
	if c.LeakDetectionThreshold < 0 {
		problems = append(problems, "leakDetectionThreshold must be >= 0")
	}

	if len(problems) > 0 {
		return errors.Errorf("pool: invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// withDefaults returns a copy of c with zero-value fields filled in.
func (c Config) withDefaults() Config {
	if c.PoolName == "" {
		c.PoolName = "pool"
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetricsSink{}
	}
	return c
}

// mutableConfig is the subset of fields the engine reads through its
// atomic.Pointer snapshot (cfgMut in engine.go). The snapshot is stored once
// in New and never replaced: the Housekeeper does not refresh it, and no
// API changes configuration after construction.
type mutableConfig struct {
	ConnectionTimeout      time.Duration
	ValidationTimeout      time.Duration
	LeakDetectionThreshold time.Duration
	MinimumIdle            int
	MaximumPoolSize        int
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
}

func (c Config) mutable() mutableConfig {
	return mutableConfig{
		ConnectionTimeout:      c.ConnectionTimeout,
		ValidationTimeout:      c.ValidationTimeout,
		LeakDetectionThreshold: c.LeakDetectionThreshold,
		MinimumIdle:            c.MinimumIdle,
		MaximumPoolSize:        c.MaximumPoolSize,
		IdleTimeout:            c.IdleTimeout,
		MaxLifetime:            c.MaxLifetime,
	}
}
