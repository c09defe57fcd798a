package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"go.uber.org/automaxprocs/maxprocs"
)

// Ratio of the container memory limit given to the go runtime
const memLimitRatio = 0.9

// CloseFunc releases a resource created by a factory.
type CloseFunc func(context.Context) error

// Closers releases resources in reverse order of acquisition.
type Closers []CloseFunc

func (c *Closers) Add(closer CloseFunc) {
	*c = append(*c, closer)
}

// Close runs every closer, even when some fail, and joins their errors.
func (c Closers) Close(ctx context.Context) error {
	var errs []error

	for i := len(c) - 1; i >= 0; i-- {
		err := c[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SetupSignalHandler cancels the returned context on the first SIGTERM or interrupt, and exits on the second one.
func SetupSignalHandler(ctx context.Context, logger logr.Logger) context.Context {
	ret, cancel := context.WithCancel(ctx)

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-c
		logger.V(1).Info("Signal received, stopping", "signal", sig.String())
		cancel()

		<-c
		logger.V(0).Info("Second stop signal, exiting now")
		os.Exit(1)
	}()

	return ret
}

// LimitResources aligns GOMAXPROCS and GOMEMLIMIT with the cgroup limits of the container.
func LimitResources(logger logr.Logger) error {
	// maxprocs logs printf style, logr expects key values
	_, err := maxprocs.Set(maxprocs.Logger(func(msg string, args ...any) {
		logger.V(1).Info(fmt.Sprintf(msg, args...))
	}))
	if err != nil {
		return fmt.Errorf("failed to set max procs: %w", err)
	}

	limit, err := memlimit.SetGoMemLimit(memLimitRatio)
	if err != nil {
		// Outside of a cgroup there is nothing to align with
		if errors.Is(err, memlimit.ErrNoLimit) || errors.Is(err, memlimit.ErrCgroupsNotSupported) {
			logger.V(1).Info("No memory limit found, keeping the go default", "reason", err.Error())

			return nil
		}

		return fmt.Errorf("failed to set go mem limit: %w", err)
	}

	logger.V(1).Info("Go memlimit configured", "ratio", memLimitRatio, "limit", humanize.IBytes(uint64(limit)))

	return nil
}
