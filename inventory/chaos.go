package main

import (
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/timour/orderflow/common/config"
)

// chaos holds the fault-injection toggles used to exercise the verification
// path under test. Both are off unless enabled by environment.
//
// Gremlin delays ReserveStock past the caller's deadline; Schrödinger kills
// the process after commit but before the reply, leaving the caller unable
// to tell whether the reservation exists.
type chaos struct {
	gremlinEnabled     bool
	gremlinMinDelay    time.Duration
	gremlinMaxDelay    time.Duration
	schrodingerEnabled bool
	crashProbability   float64
	logger             *zap.Logger
}

func newChaosFromEnv(logger *zap.Logger) *chaos {
	c := &chaos{
		gremlinEnabled:     config.GetEnvBool("GREMLIN_MODE", false),
		gremlinMinDelay:    time.Duration(config.GetEnvInt("GREMLIN_MIN_DELAY_MS", 1000)) * time.Millisecond,
		gremlinMaxDelay:    time.Duration(config.GetEnvInt("GREMLIN_MAX_DELAY_MS", 5000)) * time.Millisecond,
		schrodingerEnabled: config.GetEnvBool("SCHRODINGER_MODE", false),
		crashProbability:   config.GetEnvFloat("SCHRODINGER_CRASH_PROBABILITY", 0.3),
		logger:             logger,
	}
	if c.gremlinEnabled {
		logger.Warn("gremlin mode enabled",
			zap.Duration("min_delay", c.gremlinMinDelay),
			zap.Duration("max_delay", c.gremlinMaxDelay),
		)
	}
	if c.schrodingerEnabled {
		logger.Warn("schrodinger mode enabled", zap.Float64("crash_probability", c.crashProbability))
	}
	return c
}

// maybeDelay sleeps a random interval before the reservation runs.
func (c *chaos) maybeDelay() {
	if !c.gremlinEnabled {
		return
	}
	span := c.gremlinMaxDelay - c.gremlinMinDelay
	delay := c.gremlinMinDelay
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	c.logger.Warn("gremlin delaying request", zap.Duration("delay", delay))
	time.Sleep(delay)
}

// maybeCrash exits the process after the reservation committed, before the
// reply reaches the caller.
func (c *chaos) maybeCrash() {
	if !c.schrodingerEnabled {
		return
	}
	if rand.Float64() < c.crashProbability {
		c.logger.Error("schrodinger crash after commit")
		c.logger.Sync()
		os.Exit(1)
	}
}
