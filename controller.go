package taskhub

import (
	"sync"

	"go.taskhub.dev/taskhub/store"
)

// ConcurrencyConstants are the AIMD tuning knobs behind a Task's
// concurrencyController. Exposed as a configurable value rather than package
// constants, with defaults tuned for a typical batch workload.
type ConcurrencyConstants struct {
	AdditiveStep         int
	MultiplicativeFactor float64
	SuccessThreshold     int
}

// DefaultConcurrencyConstants returns a reasonable starting point for AIMD tuning.
func DefaultConcurrencyConstants() ConcurrencyConstants {
	return ConcurrencyConstants{AdditiveStep: 1, MultiplicativeFactor: 0.5, SuccessThreshold: 10}
}

// concurrencyController holds one Task's AIMD state: every handler
// goroutine updates it as its job settles, while the control loop and the
// progress events read Current, so a small RWMutex guards all access.
type concurrencyController struct {
	mu         sync.RWMutex
	current    int
	min        int
	max        int
	successRun int
	constants  ConcurrencyConstants
}

func newConcurrencyController(cfg store.ConcurrencyConfig, constants ConcurrencyConstants) *concurrencyController {
	return &concurrencyController{
		current:   cfg.Initial,
		min:       cfg.Min,
		max:       cfg.Max,
		constants: constants,
	}
}

// Current returns the controller's present concurrency ceiling.
func (c *concurrencyController) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// onSuccess is the additive-increase half of AIMD: after successThreshold
// consecutive successes, raise the ceiling by additiveStep, capped at max.
func (c *concurrencyController) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRun++
	if c.successRun >= c.constants.SuccessThreshold {
		c.current += c.constants.AdditiveStep
		if c.current > c.max {
			c.current = c.max
		}
		c.successRun = 0
	}
}

// onRateLimited is the multiplicative-decrease half: halve (or scale by
// multiplicativeFactor) the ceiling immediately, floored at min.
func (c *concurrencyController) onRateLimited() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := int(float64(c.current) * c.constants.MultiplicativeFactor)
	if next < c.min {
		next = c.min
	}
	c.current = next
	c.successRun = 0
	return c.current
}

// onNonRateLimitFailure resets the success streak without touching the
// ceiling, so an ordinary (non-rate-limit) failure doesn't itself trigger
// back-off but does delay the next additive increase.
func (c *concurrencyController) onNonRateLimitFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRun = 0
}
