package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Names of capability-gated trigger sources.
const subDownloads = "downloads"

// Subscriptions owns the trigger sources that may only run while a capability
// is granted. Daemon startup registers each source with Provide; the reducer
// then turns them on and off through CmdSyncSubscriptions. Set is idempotent.
type Subscriptions struct {
	parent context.Context
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]func(ctx context.Context) error
	running   map[string]*subscription
	wg        sync.WaitGroup
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriptions(parent context.Context, logger *slog.Logger) *Subscriptions {
	return &Subscriptions{
		parent:    parent,
		logger:    logger,
		providers: make(map[string]func(ctx context.Context) error),
		running:   make(map[string]*subscription),
	}
}

// Provide registers run under name. run must block until ctx is done.
func (s *Subscriptions) Provide(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = run
}

// Set starts or stops the named source.
func (s *Subscriptions) Set(name string, on bool) error {
	s.mu.Lock()
	run, ok := s.providers[name]
	cur := s.running[name]
	if !ok {
		s.mu.Unlock()
		if !on {
			return nil
		}
		return fmt.Errorf("no trigger source registered as %q", name)
	}

	if on {
		if cur != nil {
			s.mu.Unlock()
			return nil
		}
		ctx, cancel := context.WithCancel(s.parent)
		sub := &subscription{cancel: cancel, done: make(chan struct{})}
		s.running[name] = sub
		s.wg.Add(1)
		s.mu.Unlock()

		go s.run(ctx, name, sub, run)
		s.logger.Info("trigger source started", "name", name)
		return nil
	}

	if cur == nil {
		s.mu.Unlock()
		return nil
	}
	delete(s.running, name)
	s.mu.Unlock()

	cur.cancel()
	<-cur.done
	s.logger.Info("trigger source stopped", "name", name)
	return nil
}

func (s *Subscriptions) run(ctx context.Context, name string, sub *subscription, run func(context.Context) error) {
	defer s.wg.Done()
	defer close(sub.done)

	err := run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		s.logger.Warn("trigger source exited", "name", name, "error", err)
	}

	// Forget a source that ended on its own so a later Set(true) restarts it.
	s.mu.Lock()
	if s.running[name] == sub {
		delete(s.running, name)
	}
	s.mu.Unlock()
	sub.cancel()
}

// Active reports whether the named source is running.
func (s *Subscriptions) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name] != nil
}

// Close stops every source and waits for them.
func (s *Subscriptions) Close() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.running))
	for name, sub := range s.running {
		subs = append(subs, sub)
		delete(s.running, name)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	s.wg.Wait()
}

// Restart delays for sources that fail on their own.
const (
	sourceMinBackoff = time.Second
	sourceMaxBackoff = 30 * time.Second
)

// withRetry restarts run when it fails while ctx is still live, doubling the
// delay from minDelay up to maxDelay. A run that lasted longer than maxDelay
// resets the delay. A nil return from run ends the source.
func withRetry(name string, minDelay, maxDelay time.Duration, logger *slog.Logger, run func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		delay := minDelay
		for {
			started := time.Now()
			err := run(ctx)
			if err == nil || ctx.Err() != nil {
				return err
			}
			if time.Since(started) > maxDelay {
				delay = minDelay
			}
			logger.Warn("trigger source failed, retrying", "name", name, "error", err, "retry_in", delay)

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay = min(delay*2, maxDelay)
		}
	}
}
