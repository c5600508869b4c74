package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/syncutil"
)

// Syncer is one collection's replication cycle.
type Syncer interface {
	Collection() string
	Cycle(ctx context.Context) error
}

// Engine drives every registered collection: on an interval, on Trigger,
// and on change notifications from the server stream.
type Engine struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	syncers map[string]Syncer
	signals map[string]*syncutil.Signal
	lastErr map[string]error

	stop    chan struct{}
	running atomic.Bool
}

func NewEngine(interval time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		interval: interval,
		logger:   logger,
		syncers:  make(map[string]Syncer),
		signals:  make(map[string]*syncutil.Signal),
		lastErr:  make(map[string]error),
		stop:     make(chan struct{}),
	}
}

// Register adds a collection. Call before Start.
func (e *Engine) Register(s Syncer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncers[s.Collection()] = s
	e.signals[s.Collection()] = syncutil.NewSignal()
}

// Collections lists registered collection names in sorted order.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.syncers))
	for name := range e.syncers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Sync runs one cycle for collection now.
func (e *Engine) Sync(ctx context.Context, collection string) error {
	e.mu.RLock()
	s, ok := e.syncers[collection]
	e.mu.RUnlock()
	if !ok {
		return apperr.NotFound("collection", collection)
	}

	err := s.Cycle(ctx)
	e.mu.Lock()
	e.lastErr[collection] = err
	e.mu.Unlock()

	switch {
	case err == nil:
	case apperr.IsTransient(err):
		e.logger.Warn("replication cycle failed, will retry", "collection", collection, "error", err)
	default:
		e.logger.Error("replication cycle failed", "collection", collection, "error", err)
	}
	return err
}

// SyncAll runs one cycle for every collection concurrently and joins the
// errors. One collection failing does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) error {
	names := e.Collections()
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			if err := e.Sync(ctx, name); err != nil {
				errs[i] = fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Trigger requests an immediate cycle for collection. Requests made while
// a cycle is pending coalesce.
func (e *Engine) Trigger(collection string) {
	e.mu.RLock()
	sig, ok := e.signals[collection]
	e.mu.RUnlock()
	if ok {
		sig.Notify()
	}
}

// TriggerAll requests an immediate cycle for every collection.
func (e *Engine) TriggerAll() {
	for _, name := range e.Collections() {
		e.Trigger(name)
	}
}

// Healthy reports whether the last cycle of every collection succeeded.
func (e *Engine) Healthy() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, err := range e.lastErr {
		if err != nil {
			return false, name + ": " + err.Error()
		}
	}
	return true, ""
}

func (e *Engine) Running() bool { return e.running.Load() }

// Start runs cycles until ctx is done or Stop is called: one per collection
// per interval plus one per Trigger. Call in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range e.Collections() {
		e.mu.RLock()
		sig := e.signals[name]
		e.mu.RUnlock()
		g.Go(func() error {
			e.loop(ctx, name, sig)
			return nil
		})
	}

	select {
	case <-ctx.Done():
	case <-e.stop:
		cancel()
	}
	_ = g.Wait()
}

func (e *Engine) loop(ctx context.Context, collection string, sig *syncutil.Signal) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.safeSync(ctx, collection)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-sig.C():
		}
		e.safeSync(ctx, collection)
	}
}

func (e *Engine) safeSync(ctx context.Context, collection string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in replication cycle", "collection", collection, "panic", fmt.Sprint(r))
		}
	}()
	_ = e.Sync(ctx, collection)
}

// Stop ends Start.
func (e *Engine) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}
