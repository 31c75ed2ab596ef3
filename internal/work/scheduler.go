package work

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/semaphore"

	"github.com/ironsheep/image-loader/internal/imaging"
	"github.com/ironsheep/image-loader/internal/memcache"
	"github.com/ironsheep/image-loader/internal/observe"
	"github.com/ironsheep/image-loader/internal/request"
	"github.com/ironsheep/image-loader/internal/resolver"
)

// Config holds engine-wide defaults.
type Config struct {
	// MaxParallelTasks bounds how many tasks fetch and decode at once.
	MaxParallelTasks int

	// MaxDecodeBytes is the decode memory budget. Zero disables it.
	MaxDecodeBytes int64

	// TransparencyChannel and FadeAnimation apply when a request does not
	// set them.
	TransparencyChannel bool
	FadeAnimation       bool
}

// Scheduler is the registry of pending tasks. It is safe for concurrent use.
type Scheduler struct {
	cfg        Config
	memory     *memcache.Cache
	deps       resolver.Deps
	decoder    imaging.Decoder
	dispatcher Dispatcher
	serial     *SerialDispatcher
	metrics    *observe.Metrics
	sem        *semaphore.Weighted

	exitEarly atomic.Bool
	running   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	byKey    map[string]*Task
	byTarget map[string]*Task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDecoder replaces imaging.DefaultDecoder.
func WithDecoder(d imaging.Decoder) Option {
	return func(s *Scheduler) { s.decoder = d }
}

// WithDispatcher sets where callbacks run. The default is a
// SerialDispatcher owned by the scheduler.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Scheduler) { s.dispatcher = d }
}

// WithMetrics records task attempts and outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler over the given caches and stores.
func NewScheduler(cfg Config, memory *memcache.Cache, deps resolver.Deps, opts ...Option) *Scheduler {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = runtime.NumCPU() * 2
	}
	s := &Scheduler{
		cfg:      cfg,
		memory:   memory,
		deps:     deps,
		decoder:  imaging.DefaultDecoder{},
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallelTasks)),
		byKey:    make(map[string]*Task),
		byTarget: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.serial = NewSerialDispatcher()
		s.dispatcher = s.serial
	}
	return s
}

// Memory returns the memory cache the scheduler fills.
func (s *Scheduler) Memory() *memcache.Cache { return s.memory }

// Load starts loading desc and returns its task.
//
// A pending task with the same cache key is shared: the caller gets that
// task and its callbacks are added to the ones already waiting. Any pending
// request for the same Target is superseded and its OnFinish reports a
// cancellation. A disposed descriptor yields request.ErrDisposed and a
// closed scheduler yields ErrClosed.
func (s *Scheduler) Load(ctx context.Context, desc *request.Descriptor) (*Task, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	key, err := desc.CacheKey()
	if err != nil {
		return nil, err
	}
	target := desc.Target()
	log := slogctx.FromCtx(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var old *Task
	if target != "" {
		old = s.byTarget[target]
	}
	if existing := s.byKey[key]; existing != nil {
		if displaced, ok := existing.join(desc); ok {
			if old == existing {
				old = nil
			}
			if target != "" {
				s.byTarget[target] = existing
			}
			s.mu.Unlock()
			existing.detach(displaced)
			s.supersede(old, target)
			log.Debug("joined pending image load", "key", key)
			return existing, nil
		}
	}

	t := newTask(ctx, s, key, desc)
	s.byKey[key] = t
	if target != "" {
		s.byTarget[target] = t
	}
	s.running.Add(1)
	s.mu.Unlock()

	s.supersede(old, target)
	go s.execute(t)
	log.Debug("started image load", "key", key, "source", desc.Source())
	return t, nil
}

// supersede takes target away from old, cancelling old when nobody else
// waits on it.
func (s *Scheduler) supersede(old *Task, target string) {
	if old == nil {
		return
	}
	if old.release(target) {
		old.CancelIfNeeded()
	}
}

func (s *Scheduler) execute(t *Task) {
	defer s.running.Done()
	defer t.finish()
	ctx := t.ctx

	if t.PrepareAndTryLoadFromCache(ctx) {
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		if !t.Completed() {
			t.cancelled.Store(true)
		}
		return
	}
	defer s.sem.Release(1)
	t.Run(ctx)
}

// RemovePendingTask unregisters t. Removing a task that is not registered
// has no effect.
func (s *Scheduler) RemovePendingTask(t *Task) {
	t.mu.Lock()
	targets := append([]string(nil), t.targets...)
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKey[t.key] == t {
		delete(s.byKey, t.key)
	}
	for _, target := range targets {
		if s.byTarget[target] == t {
			delete(s.byTarget, target)
		}
	}
}

// Cancel cancels the request bound to target. It reports whether one was
// pending.
func (s *Scheduler) Cancel(target string) bool {
	s.mu.Lock()
	t := s.byTarget[target]
	if t != nil {
		delete(s.byTarget, target)
	}
	s.mu.Unlock()
	if t == nil {
		return false
	}
	s.supersede(t, target)
	return true
}

// CancelAll cancels every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.byKey))
	for _, t := range s.byKey {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.CancelIfNeeded()
	}
}

// SetExitTasksEarly sets the flag that makes tasks stop at their next check
// point instead of starting new work.
func (s *Scheduler) SetExitTasksEarly(exit bool) { s.exitEarly.Store(exit) }

// ExitTasksEarly reports the flag set by SetExitTasksEarly.
func (s *Scheduler) ExitTasksEarly() bool { return s.exitEarly.Load() }

// PendingCount returns the number of registered tasks.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Close stops new work, cancels what is pending and waits for running tasks
// to return, or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.SetExitTasksEarly(true)
	s.CancelAll()

	idle := make(chan struct{})
	go func() {
		s.running.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.serial != nil {
		s.serial.Close()
	}
	return nil
}
