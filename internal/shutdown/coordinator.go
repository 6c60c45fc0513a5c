// Package shutdown sequences a bounded, once-only drain of the relay.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Drainer is the connection side of shutdown.
type Drainer interface {
	// BeginDrain stops admitting connections and asks every live session to
	// close. It returns the number of sessions asked.
	BeginDrain() int
	// Wait blocks until every session has closed or ctx is done.
	Wait(ctx context.Context) error
}

// Listener is the accepting side of shutdown; *http.Server satisfies it.
type Listener interface {
	Shutdown(ctx context.Context) error
}

// Coordinator runs the drain sequence at most once.
type Coordinator struct {
	drainer  Drainer
	listener Listener
	grace    time.Duration
	log      *zap.Logger
	exit     func(code int)
	after    []func(ctx context.Context) error

	once     sync.Once
	exitOnce sync.Once
	err      error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit as the forced-termination function.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

// WithAfter registers cleanup run after the sessions have drained, within
// the same grace period.
func WithAfter(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.after = append(c.after, fn) }
}

// New returns a Coordinator that drains within grace.
func New(drainer Drainer, listener Listener, grace time.Duration, log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		drainer:  drainer,
		listener: listener,
		grace:    grace,
		log:      log.Named("shutdown"),
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shutdown drains the relay: stop admitting, close sessions, close the
// listener, wait for sessions, run cleanup. If the grace period elapses first
// the exit function is called with status 1. Concurrent and repeated calls
// wait for the first one and return its result.
func (c *Coordinator) Shutdown(reason string) error {
	c.once.Do(func() {
		c.err = c.run(reason)
	})
	return c.err
}

func (c *Coordinator) run(reason string) error {
	start := time.Now()
	c.log.Info("shutdown started", zap.String("reason", reason), zap.Duration("grace_period", c.grace))

	watchdog := time.AfterFunc(c.grace, func() {
		c.forceExit("grace period elapsed while draining")
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()

	closing := c.drainer.BeginDrain()
	c.log.Info("closing sessions", zap.Int("sessions", closing))

	var errs []error
	if c.listener != nil {
		if err := c.listener.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}

	if err := c.drainer.Wait(ctx); err != nil {
		c.forceExit("sessions still open at deadline")
		return errors.Join(append(errs, fmt.Errorf("drain sessions: %w", err))...)
	}

	for _, fn := range c.after {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.log.Info("shutdown complete", zap.Duration("elapsed", time.Since(start)))
	return errors.Join(errs...)
}

func (c *Coordinator) forceExit(why string) {
	c.exitOnce.Do(func() {
		c.log.Error("forcing exit", zap.String("cause", why))
		_ = c.log.Sync()
		c.exit(1)
	})
}
