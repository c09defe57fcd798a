package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
)

// Cycle is one iteration of a periodic component.
type Cycle func(ctx context.Context) error

type LoopConfig struct {
	Name string

	// Interval is the sleep between the end of a cycle and the start of the next one.
	Interval time.Duration
	// ErrorDelay replaces Interval after a retryable failure. Defaults to Interval.
	ErrorDelay time.Duration
}

// Loop runs a cycle, sleeps, and starts again. A fatal outcome stops it; any other
// failure skips the cycle.
type Loop struct {
	logger *logr.Logger
	clock  clockwork.Clock

	cycle  Cycle
	config LoopConfig
}

func NewLoop(cycle Cycle, clock clockwork.Clock, config LoopConfig) Loop {
	if config.ErrorDelay <= 0 {
		config.ErrorDelay = config.Interval
	}

	return Loop{
		clock:  clock,
		cycle:  cycle,
		config: config,
	}
}

func (l Loop) WithLogger(logger logr.Logger) Loop {
	l.logger = &logger

	return l
}

// Run blocks until ctx is done or a cycle returns a fatal error.
func (l Loop) Run(ctx context.Context) error {
	for {
		err := l.RunOnce(ctx)

		delay := l.config.Interval

		switch Classify(err) {
		case OutcomeSuccess:
			l.logInfo(2, "Cycle done", "loop", l.config.Name)
		case OutcomeCancelled:
			return nil
		case OutcomeFatal:
			l.logError(err, "Fatal error, stopping", "loop", l.config.Name)

			return fmt.Errorf("%s stopped: %w", l.config.Name, err)
		default:
			l.logError(err, "Cycle skipped", "loop", l.config.Name, "retryIn", l.config.ErrorDelay)

			delay = l.config.ErrorDelay
		}

		if ctx.Err() != nil {
			l.logInfo(0, "Context expired", "loop", l.config.Name)

			return nil
		}

		select {
		case <-ctx.Done():
			l.logInfo(0, "Context expired", "loop", l.config.Name)

			return nil
		case <-l.clock.After(delay):
		}
	}
}

// RunOnce runs a single cycle, converting a panic into an error.
func (l Loop) RunOnce(ctx context.Context) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = NewPanicError(r)
		}
	}()

	return l.cycle(ctx)
}

func (l Loop) logInfo(level int, msg string, keysAndValues ...any) {
	if l.logger == nil {
		return
	}

	l.logger.V(level).Info(msg, keysAndValues...)
}

func (l Loop) logError(err error, msg string, keysAndValues ...any) {
	if l.logger == nil {
		return
	}

	l.logger.Error(err, msg, keysAndValues...)
}
