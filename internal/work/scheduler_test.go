package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/image-loader/internal/diskcache"
	"github.com/ironsheep/image-loader/internal/fetch"
	"github.com/ironsheep/image-loader/internal/imaging"
	"github.com/ironsheep/image-loader/internal/memcache"
	"github.com/ironsheep/image-loader/internal/request"
	"github.com/ironsheep/image-loader/internal/resolver"
	"github.com/ironsheep/image-loader/internal/transform"
)

const imgURL = "http://x/img.png"

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeFetcher serves fn's result and counts calls. When gate is set every
// fetch waits for it to close.
type fakeFetcher struct {
	calls   atomic.Int32
	gate    chan struct{}
	started chan struct{}
	fn      func(n int32) ([]byte, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(n)
}

func serving(data []byte) *fakeFetcher {
	return &fakeFetcher{fn: func(int32) ([]byte, error) { return data, nil }}
}

type engine struct {
	sched  *Scheduler
	memory *memcache.Cache
}

func newEngine(t *testing.T, f fetch.Fetcher, cfg Config, opts ...Option) engine {
	t.Helper()
	memory, err := memcache.New(memcache.Config{MaxEntries: 16})
	require.NoError(t, err)
	deps := resolver.Deps{Disk: diskcache.New(osfs.New(t.TempDir()), f)}
	s := NewScheduler(cfg, memory, deps, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return engine{sched: s, memory: memory}
}

// recorder captures the callback sequence of one or more requests.
type recorder struct {
	mu        sync.Mutex
	events    []string
	successes []request.Success
	errs      []error
	finished  chan request.ScheduledWork
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan request.ScheduledWork, 16)}
}

func (r *recorder) attach(b *request.Builder) *request.Builder {
	return b.
		OnSuccess(func(s request.Success) {
			r.mu.Lock()
			r.events = append(r.events, "success")
			r.successes = append(r.successes, s)
			r.mu.Unlock()
		}).
		OnError(func(err error) {
			r.mu.Lock()
			r.events = append(r.events, "error")
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		}).
		OnFinish(func(w request.ScheduledWork) {
			r.mu.Lock()
			r.events = append(r.events, "finish")
			r.mu.Unlock()
			r.finished <- w
		})
}

func (r *recorder) waitFinish(t *testing.T) request.ScheduledWork {
	t.Helper()
	select {
	case w := <-r.finished:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnFinish")
		return nil
	}
}

func (r *recorder) snapshot() ([]string, []request.Success, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...),
		append([]request.Success(nil), r.successes...),
		append([]error(nil), r.errs...)
}

func load(t *testing.T, s *Scheduler, b *request.Builder) *Task {
	t.Helper()
	d, err := b.Build()
	require.NoError(t, err)
	task, err := s.Load(context.Background(), d)
	require.NoError(t, err)
	return task
}

func TestScheduler_ConcurrentIdenticalRequestsShareOneFetch(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	first := load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	second := load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	assert.Same(t, first, second)
	assert.Equal(t, 1, e.sched.PendingCount())

	<-f.started
	close(f.gate)
	rec.waitFinish(t)
	rec.waitFinish(t)

	events, successes, errs := rec.snapshot()
	assert.Empty(t, errs)
	require.Len(t, successes, 2)
	assert.Same(t, successes[0].Image, successes[1].Image)
	assert.Equal(t, request.Internet, successes[0].Result)
	assert.Equal(t, []string{"success", "finish", "success", "finish"}, events)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, first.Attempts())
	assert.Equal(t, 0, e.sched.PendingCount())
}

func TestTask_RetriesAlwaysFailing(t *testing.T) {
	boom := errors.New("connection refused")
	f := &fakeFetcher{fn: func(int32) ([]byte, error) { return nil, boom }}
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	const retries, delay = 3, 20 * time.Millisecond
	start := time.Now()
	task := load(t, e.sched, rec.attach(request.FromURL(imgURL).Retry(retries, delay)))
	rec.waitFinish(t)
	elapsed := time.Since(start)

	events, successes, errs := rec.snapshot()
	assert.Equal(t, []string{"error", "finish"}, events)
	assert.Empty(t, successes)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)

	assert.Equal(t, int32(retries+1), f.calls.Load())
	assert.Equal(t, retries+1, task.Attempts())
	assert.Equal(t, 0, task.RetriesLeft())
	assert.GreaterOrEqual(t, elapsed, retries*delay)

	<-task.Done()
	assert.Equal(t, Failed, task.State())
	require.IsType(t, Failure{}, task.Outcome())
}

func TestTask_FailsTwiceThenSucceeds(t *testing.T) {
	data := pngBytes(t, 8, 8)
	f := &fakeFetcher{fn: func(n int32) ([]byte, error) {
		if n <= 2 {
			return nil, errors.New("flaky")
		}
		return data, nil
	}}
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL).Retry(3, 50*time.Millisecond)))
	w := rec.waitFinish(t)

	events, successes, errs := rec.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, []string{"success", "finish"}, events)
	require.Len(t, successes, 1)
	assert.Equal(t, request.Internet, successes[0].Result)
	assert.Equal(t, 3, task.Attempts())
	assert.Equal(t, 3, w.Attempts())
	assert.False(t, w.Cancelled())
}

func TestTask_CancelIfNeededIsIdempotent(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	defer close(f.gate)
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	<-f.started

	task.CancelIfNeeded()
	task.CancelIfNeeded()
	w := rec.waitFinish(t)

	assert.True(t, w.Cancelled())
	assert.True(t, task.Cancelled())
	assert.IsType(t, Cancellation{}, task.Outcome())
	assert.Equal(t, Cancelled, task.State())
	assert.Equal(t, 0, e.sched.PendingCount())

	assert.Never(t, func() bool { return len(rec.finished) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"OnFinish must fire once")
	events, _, _ := rec.snapshot()
	assert.Equal(t, []string{"finish"}, events)
}

func TestTask_OutOfMemoryClearsMemoryCache(t *testing.T) {
	// an 8x8 image needs 256 bytes once decoded
	f := serving(pngBytes(t, 8, 8))
	e := newEngine(t, f, Config{MaxDecodeBytes: 100})
	e.memory.Set("resident", image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.Equal(t, 1, e.memory.Len())
	rec := newRecorder()

	load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	rec.waitFinish(t)

	assert.Equal(t, 0, e.memory.Len())
	events, _, errs := rec.snapshot()
	assert.Equal(t, []string{"error", "finish"}, events)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], imaging.ErrOutOfMemory)
}

type decoderFunc func(ctx context.Context, data []byte, opts imaging.DecodeOptions) (image.Image, error)

func (f decoderFunc) Decode(ctx context.Context, data []byte, opts imaging.DecodeOptions) (image.Image, error) {
	return f(ctx, data, opts)
}

func TestTask_OutOfMemoryThenRetrySucceeds(t *testing.T) {
	var decodes atomic.Int32
	dec := decoderFunc(func(ctx context.Context, data []byte, opts imaging.DecodeOptions) (image.Image, error) {
		if decodes.Add(1) == 1 {
			return nil, imaging.ErrOutOfMemory
		}
		return imaging.DefaultDecoder{}.Decode(ctx, data, opts)
	})
	e := newEngine(t, serving(pngBytes(t, 8, 8)), Config{}, WithDecoder(dec))
	e.memory.Set("resident", image.NewRGBA(image.Rect(0, 0, 4, 4)))
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL).Retry(1, 0)))
	rec.waitFinish(t)

	_, successes, errs := rec.snapshot()
	assert.Empty(t, errs)
	require.Len(t, successes, 1)
	assert.False(t, e.memory.Contains("resident"))
	assert.True(t, e.memory.Contains(task.Key()))
	assert.Equal(t, 2, task.Attempts())
}

func TestTask_NoImageWithoutErrorIsUnableToGenerate(t *testing.T) {
	dec := decoderFunc(func(context.Context, []byte, imaging.DecodeOptions) (image.Image, error) {
		return nil, nil
	})
	e := newEngine(t, serving([]byte("x")), Config{}, WithDecoder(dec))
	rec := newRecorder()

	load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	rec.waitFinish(t)

	_, _, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnableToGenerate)
}

func TestTask_MemoryThenDiskCacheProvenance(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	e := newEngine(t, f, Config{})

	results := make([]request.LoadingResult, 0, 3)
	for i := 0; i < 3; i++ {
		if i == 2 {
			e.memory.Clear()
		}
		rec := newRecorder()
		load(t, e.sched, rec.attach(request.FromURL(imgURL)))
		rec.waitFinish(t)
		_, successes, _ := rec.snapshot()
		require.Len(t, successes, 1)
		results = append(results, successes[0].Result)
	}

	assert.Equal(t, []request.LoadingResult{request.Internet, request.MemoryCache, request.DiskCache}, results)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestTask_AppliesDownsampleThenChain(t *testing.T) {
	var seen []int
	record := transform.Func{ID: "record", Fn: func(src image.Image) (image.Image, error) {
		seen = append(seen, src.Bounds().Dx())
		return src, nil
	}}
	e := newEngine(t, serving(pngBytes(t, 40, 20)), Config{FadeAnimation: true})
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL).DownSample(10, 0).Transform(record).Transparency(true)))
	rec.waitFinish(t)

	_, successes, errs := rec.snapshot()
	require.Empty(t, errs)
	require.Len(t, successes, 1)
	assert.Equal(t, []int{10}, seen, "the chain must see the downsampled image")
	assert.Equal(t, 10, successes[0].Image.Bounds().Dx())
	assert.Equal(t, 5, successes[0].Image.Bounds().Dy())
	assert.True(t, successes[0].Fade)
	assert.Equal(t, imaging.ByteSize(successes[0].Image), successes[0].Size)
	assert.Equal(t, imgURL+";DownsampleTransformation,width=10,height=0;record", task.Key())
}

func TestTask_StreamIsNotRetried(t *testing.T) {
	var opens atomic.Int32
	e := newEngine(t, serving(nil), Config{})
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromStream(func(context.Context) (io.ReadCloser, error) {
		opens.Add(1)
		return nil, errors.New("stream closed")
	}).Retry(3, 0)))
	rec.waitFinish(t)

	_, _, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 1, task.Attempts())
}

func TestTask_StreamSuccess(t *testing.T) {
	data := pngBytes(t, 4, 4)
	e := newEngine(t, serving(nil), Config{})
	rec := newRecorder()

	load(t, e.sched, rec.attach(request.FromStream(func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})))
	rec.waitFinish(t)

	_, successes, _ := rec.snapshot()
	require.Len(t, successes, 1)
	assert.Equal(t, request.Local, successes[0].Result)
}

func TestScheduler_ExitTasksEarly(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	e := newEngine(t, f, Config{})
	e.sched.SetExitTasksEarly(true)
	require.True(t, e.sched.ExitTasksEarly())
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	w := rec.waitFinish(t)

	assert.True(t, w.Cancelled())
	assert.IsType(t, Cancellation{}, task.Outcome())
	assert.Equal(t, int32(0), f.calls.Load())
	events, _, _ := rec.snapshot()
	assert.Equal(t, []string{"finish"}, events)
}

func TestScheduler_SupersededTargetIsCancelled(t *testing.T) {
	data := pngBytes(t, 8, 8)
	gate := make(chan struct{})
	f := fetch.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if url == "http://x/old.png" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		<-gate
		return data, nil
	})
	e := newEngine(t, f, Config{})
	oldRec, newRec := newRecorder(), newRecorder()

	old := load(t, e.sched, oldRec.attach(request.FromURL("http://x/old.png").Target("slot")))
	replacement := load(t, e.sched, newRec.attach(request.FromURL(imgURL).Target("slot")))
	require.NotSame(t, old, replacement)

	w := oldRec.waitFinish(t)
	assert.True(t, w.Cancelled())
	events, _, _ := oldRec.snapshot()
	assert.Equal(t, []string{"finish"}, events)

	close(gate)
	newRec.waitFinish(t)
	events, _, _ = newRec.snapshot()
	assert.Equal(t, []string{"success", "finish"}, events)
}

func TestScheduler_SupersedeKeepsSharedTaskForOthers(t *testing.T) {
	data := pngBytes(t, 8, 8)
	gate := make(chan struct{})
	f := fetch.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if url == imgURL {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return data, nil
	})
	e := newEngine(t, f, Config{})
	slot1, slot2, other := newRecorder(), newRecorder(), newRecorder()

	shared := load(t, e.sched, slot1.attach(request.FromURL(imgURL).Target("slot-1")))
	joined := load(t, e.sched, slot2.attach(request.FromURL(imgURL).Target("slot-2")))
	require.Same(t, shared, joined)

	load(t, e.sched, other.attach(request.FromURL("http://x/other.png").Target("slot-1")))
	w := slot1.waitFinish(t)
	assert.True(t, w.Cancelled(), "slot-1 gave up its interest")
	assert.False(t, shared.Cancelled(), "slot-2 still waits on the shared task")

	close(gate)
	slot2.waitFinish(t)
	other.waitFinish(t)
	events, _, _ := slot2.snapshot()
	assert.Equal(t, []string{"success", "finish"}, events)
	events, _, _ = slot1.snapshot()
	assert.Equal(t, []string{"finish"}, events)
}

func TestScheduler_SupersedeBeforeFetchKeepsJoinedRequest(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	e := newEngine(t, f, Config{})
	slot, joiner, other := newRecorder(), newRecorder(), newRecorder()

	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("http://x/%d.png", i)
		shared := load(t, e.sched, slot.attach(request.FromURL(u).Target("slot")))
		require.Same(t, shared, load(t, e.sched, joiner.attach(request.FromURL(u))))
		load(t, e.sched, other.attach(request.FromURL(u+"?next").Target("slot")))
		assert.True(t, slot.waitFinish(t).Cancelled())
	}

	close(f.gate)
	for i := 0; i < 10; i++ {
		assert.False(t, joiner.waitFinish(t).Cancelled())
	}
	_, successes, errs := joiner.snapshot()
	assert.Empty(t, errs)
	assert.Len(t, successes, 10)
}

func TestScheduler_SameTargetSameKeyReplacesSubscriber(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	first := load(t, e.sched, rec.attach(request.FromURL(imgURL).Target("slot")))
	second := load(t, e.sched, rec.attach(request.FromURL(imgURL).Target("slot")))
	require.Same(t, first, second)
	assert.True(t, rec.waitFinish(t).Cancelled())

	close(f.gate)
	assert.False(t, rec.waitFinish(t).Cancelled())
	events, _, _ := rec.snapshot()
	assert.Equal(t, []string{"finish", "success", "finish"}, events)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestScheduler_LoadAfterCloseFails(t *testing.T) {
	e := newEngine(t, serving(pngBytes(t, 8, 8)), Config{})
	require.NoError(t, e.sched.Close(context.Background()))

	d, err := request.FromURL(imgURL).Build()
	require.NoError(t, err)
	_, err = e.sched.Load(context.Background(), d)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, e.sched.PendingCount())
}

func TestScheduler_CancelByTarget(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	defer close(f.gate)
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	load(t, e.sched, rec.attach(request.FromURL(imgURL).Target("slot")))
	assert.True(t, e.sched.Cancel("slot"))
	assert.False(t, e.sched.Cancel("slot"))
	assert.False(t, e.sched.Cancel("unknown"))

	w := rec.waitFinish(t)
	assert.True(t, w.Cancelled())
}

func TestScheduler_CancelAllAndClose(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	f.gate = make(chan struct{})
	defer close(f.gate)
	e := newEngine(t, f, Config{MaxParallelTasks: 1})
	rec := newRecorder()

	for _, u := range []string{"http://x/1.png", "http://x/2.png", "http://x/3.png"} {
		load(t, e.sched, rec.attach(request.FromURL(u)))
	}
	assert.Equal(t, 3, e.sched.PendingCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.sched.Close(ctx))

	assert.True(t, e.sched.ExitTasksEarly())
	assert.Equal(t, 0, e.sched.PendingCount())
	for i := 0; i < 3; i++ {
		assert.True(t, rec.waitFinish(t).Cancelled())
	}
}

func TestScheduler_RejectsDisposedDescriptor(t *testing.T) {
	e := newEngine(t, serving(nil), Config{})
	d, err := request.FromURL(imgURL).Build()
	require.NoError(t, err)
	d.Dispose()

	_, err = e.sched.Load(context.Background(), d)
	assert.ErrorIs(t, err, request.ErrDisposed)
}

func TestScheduler_DisposesDescriptorWhenFinished(t *testing.T) {
	e := newEngine(t, serving(pngBytes(t, 8, 8)), Config{})
	rec := newRecorder()
	d, err := rec.attach(request.FromURL(imgURL)).Build()
	require.NoError(t, err)

	task, err := e.sched.Load(context.Background(), d)
	require.NoError(t, err)
	rec.waitFinish(t)
	<-task.Done()

	assert.True(t, d.Disposed())
	assert.Nil(t, d.Callbacks().OnSuccess)
	e.sched.RemovePendingTask(task)
	e.sched.RemovePendingTask(task)
	assert.Equal(t, 0, e.sched.PendingCount())
}

func TestTask_RunIsNoOpAfterCompletion(t *testing.T) {
	f := serving(pngBytes(t, 8, 8))
	e := newEngine(t, f, Config{})
	rec := newRecorder()

	task := load(t, e.sched, rec.attach(request.FromURL(imgURL)))
	rec.waitFinish(t)
	<-task.Done()

	task.Run(context.Background())
	task.CancelIfNeeded()
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, Succeeded, task.State())
	assert.False(t, task.Cancelled())
}
