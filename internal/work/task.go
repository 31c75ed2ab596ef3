// Package work runs image requests.
//
// A Task is one request in flight. It checks the memory cache, then resolves,
// decodes and transforms inside a retry loop, and finally delivers exactly one
// Outcome. The Scheduler owns every pending task: it deduplicates requests
// with equal cache keys, cancels requests whose rendering slot was reused,
// and can stop all work during shutdown.
package work

import (
	"context"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/errors"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/trace"

	"github.com/ironsheep/image-loader/internal/imaging"
	"github.com/ironsheep/image-loader/internal/observe"
	"github.com/ironsheep/image-loader/internal/request"
	"github.com/ironsheep/image-loader/internal/resolver"
	"github.com/ironsheep/image-loader/internal/transform"
)

// subscriber is one caller waiting on a task.
type subscriber struct {
	desc      *request.Descriptor
	target    string
	callbacks request.Callbacks
}

// Task is a single image request in flight. Create tasks with
// Scheduler.Load.
type Task struct {
	key     string
	id      string // descriptor identifier, kept after subscribers detach
	sched   *Scheduler
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// captured at creation; the descriptor is disposed when the task ends
	source   request.SourceKind
	res      resolver.Resolver
	resErr   error
	chain    transform.Chain
	decode   imaging.DecodeOptions
	fade     bool
	retries  int
	interval time.Duration

	cancelled  atomic.Bool
	attempts   atomic.Int32
	done       chan struct{}
	finishOnce sync.Once

	mu          sync.Mutex
	state       State
	completed   bool
	closed      bool
	result      Outcome
	retriesLeft int
	subs        []*subscriber
	targets     []string
}

func newTask(parent context.Context, s *Scheduler, key string, desc *request.Descriptor) *Task {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx = slogctx.With(ctx, "key", key)
	ctx, span := observe.StartTaskSpan(ctx, key, desc.Source().String())

	t := &Task{
		key:     key,
		id:      desc.Identifier(),
		sched:   s,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		done:    make(chan struct{}),
	}
	t.source = desc.Source()
	t.res, t.resErr = resolver.For(desc, s.deps)
	t.chain = desc.Transformations()
	if ds := desc.DownSample(); !ds.IsZero() {
		t.chain = append(transform.Chain{ds}, t.chain...)
	}
	t.decode = imaging.DecodeOptions{
		Transparency: desc.Transparency(s.cfg.TransparencyChannel),
		MaxBytes:     s.cfg.MaxDecodeBytes,
	}
	t.fade = desc.Fade(s.cfg.FadeAnimation)
	t.retries, t.interval = desc.Retry()
	t.retriesLeft = t.retries
	t.join(desc)
	return t
}

// Key returns the cache key the task loads.
func (t *Task) Key() string { return t.key }

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Attempts returns how many times the pipeline has started.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Completed reports whether the task produced a success or failure.
func (t *Task) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// RetriesLeft returns the number of retries not yet used.
func (t *Task) RetriesLeft() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retriesLeft
}

// Done is closed once the outcome is known and callbacks have been posted.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome returns the terminal outcome, or nil while the task is running.
func (t *Task) Outcome() Outcome {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.Outcome(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// join adds desc as a subscriber and returns the subscribers it displaced:
// those already bound to the same target. The caller hands them to detach
// once it holds no locks. join fails once the task has started delivering.
func (t *Task) join(desc *request.Descriptor) ([]*subscriber, bool) {
	target := desc.Target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	var dropped []*subscriber
	if target != "" {
		kept := t.subs[:0:0]
		for _, s := range t.subs {
			if s.target == target {
				dropped = append(dropped, s)
			} else {
				kept = append(kept, s)
			}
		}
		t.subs = kept
		if !slices.Contains(t.targets, target) {
			t.targets = append(t.targets, target)
		}
	}
	t.subs = append(t.subs, &subscriber{
		desc:      desc,
		target:    target,
		callbacks: desc.Callbacks(),
	})
	return dropped, true
}

// detach tells subs they no longer wait on the task.
func (t *Task) detach(subs []*subscriber) {
	for _, s := range subs {
		t.deliver(s, Cancellation{}, detached{t})
	}
}

// release drops the subscribers bound to target. It reports true when no
// other subscriber remains, in which case nothing is dropped and the caller
// should cancel the whole task.
func (t *Task) release(target string) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	var kept, dropped []*subscriber
	for _, s := range t.subs {
		if s.target == target {
			dropped = append(dropped, s)
		} else {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		t.mu.Unlock()
		return true
	}
	t.subs = kept
	t.mu.Unlock()

	t.detach(dropped)
	return false
}

// detached is the view handed to a subscriber released from a task that
// keeps running for others.
type detached struct{ *Task }

func (detached) Cancelled() bool { return true }

func (t *Task) setState(s State) {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.state = s
	}
	t.mu.Unlock()
}

// complete records a success or failure. The first outcome wins, and a
// cancelled task records nothing.
func (t *Task) complete(o Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed || t.cancelled.Load() {
		return false
	}
	t.completed = true
	t.result = o
	return true
}

// PrepareAndTryLoadFromCache delivers straight from the memory cache when
// the key is present. It reports whether it did.
func (t *Task) PrepareAndTryLoadFromCache(ctx context.Context) bool {
	if t.cancelled.Load() || t.Completed() {
		return false
	}

	t.setState(ResolvingFromCache)
	img, ok := t.sched.memory.Get(ctx, t.key)
	if !ok {
		return false
	}

	t.setState(Delivering)
	t.complete(t.success(img, request.MemoryCache))
	slogctx.FromCtx(ctx).Debug("image served from memory cache")
	return true
}

func (t *Task) success(img image.Image, from request.LoadingResult) Success {
	return Success{request.Success{
		Image:  img,
		Size:   imaging.ByteSize(img),
		Result: from,
		Fade:   t.fade,
	}}
}

// shouldStop reports whether no further attempt may start.
func (t *Task) shouldStop() bool {
	return t.cancelled.Load() || t.Completed() || t.sched.ExitTasksEarly()
}

// Run drives resolve, decode and transform until one attempt succeeds or
// the retries are used up. Stream sources get a single attempt because a
// stream can only be read once. Run is a no-op once the task has ended or
// while the scheduler is exiting early.
func (t *Task) Run(ctx context.Context) {
	if t.shouldStop() {
		if !t.Completed() {
			t.cancelled.Store(true)
		}
		return
	}
	log := slogctx.FromCtx(ctx)

	var err error
	if t.source == request.SourceStream {
		err = unwrapPermanent(t.attempt(ctx))
	} else {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(t.interval), uint64(t.retries)), ctx)
		err = backoff.RetryNotify(func() error {
			if t.shouldStop() {
				return backoff.Permanent(context.Canceled)
			}
			return t.attempt(ctx)
		}, policy, func(err error, wait time.Duration) {
			t.mu.Lock()
			t.retriesLeft--
			left := t.retriesLeft
			t.mu.Unlock()
			log.Debug("retrying image load", "error", err, "wait", wait, "retries_left", left)
		})
	}

	if err == nil || t.Completed() {
		return
	}
	if t.cancelled.Load() || t.sched.ExitTasksEarly() || errors.Is(err, context.Canceled) {
		t.cancelled.Store(true)
		return
	}
	log.Error("image load failed", "error", err, "attempts", t.Attempts())
	t.complete(Failure{Err: err})
}

// attempt is one pass through the pipeline.
func (t *Task) attempt(ctx context.Context) error {
	t.attempts.Add(1)
	t.sched.metrics.TaskAttempt(ctx)
	s := t.sched

	t.setState(Fetching)
	if t.resErr != nil {
		return backoff.Permanent(t.resErr)
	}
	data, err := t.res.Resolve(ctx, t.identifier())
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}

	t.setState(Decoding)
	img, err := s.decoder.Decode(ctx, data.Bytes, t.decode)
	if err != nil {
		return t.checkMemory(ctx, err)
	}
	if img == nil {
		return ErrUnableToGenerate
	}

	t.setState(Transforming)
	out, err := t.chain.Apply(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return t.checkMemory(ctx, err)
	}

	t.setState(Delivering)
	if t.cancelled.Load() {
		return backoff.Permanent(context.Canceled)
	}
	s.memory.Set(t.key, out)
	t.complete(t.success(out, data.Provenance.Result()))
	return nil
}

// identifier is the resolver identity the key was derived from.
func (t *Task) identifier() string { return t.id }

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// checkMemory empties the memory cache when err reports memory pressure.
// The error is returned unchanged so the retry loop carries on.
func (t *Task) checkMemory(ctx context.Context, err error) error {
	if errors.Is(err, imaging.ErrOutOfMemory) {
		slogctx.FromCtx(ctx).Error("out of memory while decoding, clearing memory cache", "error", err)
		t.sched.memory.Clear()
	}
	return err
}

// CancelIfNeeded cancels the task unless it is already cancelled or
// completed.
func (t *Task) CancelIfNeeded() {
	if t.cancelled.Load() || t.Completed() {
		return
	}
	t.Cancel()
}

// Cancel unregisters the task, stops any I/O it is waiting on and runs the
// cleanup path. Only OnFinish observes a cancellation.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !t.completed {
		t.cancelled.Store(true)
	}
	t.mu.Unlock()

	t.sched.RemovePendingTask(t)
	t.cancel()
	t.finish()
	slogctx.FromCtx(t.ctx).Debug("cancelled image load")
}

// finish is the cleanup path. It runs exactly once: it unregisters the
// task, settles the outcome, posts callbacks, disposes descriptors and
// closes Done.
func (t *Task) finish() {
	t.finishOnce.Do(func() {
		t.sched.RemovePendingTask(t)

		t.mu.Lock()
		t.closed = true
		if !t.completed {
			if t.cancelled.Load() {
				t.result = Cancellation{}
			} else {
				t.result = Failure{Err: ErrUnableToGenerate}
			}
		}
		if f, ok := t.result.(Failure); ok && f.Err == nil {
			t.result = Failure{Err: ErrUnableToGenerate}
		}
		t.state = StateOf(t.result)
		result, subs := t.result, t.subs
		t.subs = nil
		t.mu.Unlock()

		for _, s := range subs {
			t.deliver(s, result, t)
		}

		var err error
		if f, ok := result.(Failure); ok {
			err = f.Err
		}
		outcome := StateOf(result).String()
		t.sched.metrics.TaskFinished(t.ctx, outcome, time.Since(t.started))
		observe.EndSpan(t.span, outcome, t.Attempts(), err)

		t.cancel()
		close(t.done)
	})
}

// deliver posts the callback sequence for one subscriber and disposes its
// descriptor.
func (t *Task) deliver(s *subscriber, o Outcome, work request.ScheduledWork) {
	cb := s.callbacks
	t.sched.dispatcher.Post(func() {
		switch v := o.(type) {
		case Success:
			if cb.OnSuccess != nil {
				cb.OnSuccess(v.Success)
			}
		case Failure:
			if cb.OnError != nil {
				cb.OnError(v.Err)
			}
		}
		if cb.OnFinish != nil {
			cb.OnFinish(work)
		}
	})
	s.desc.Dispose()
}
