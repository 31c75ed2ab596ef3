package request

import (
	"context"
	"image"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/image-loader/internal/transform"
)

func identity(id string) transform.Transformation {
	return transform.Func{ID: id, Fn: func(src image.Image) (image.Image, error) { return src, nil }}
}

func TestBuilder_LastCallWins(t *testing.T) {
	d, err := FromURL("http://x/img.png").
		Retry(1, time.Second).
		Retry(3, 500*time.Millisecond).
		CacheDuration(time.Hour).
		CacheDuration(2 * time.Hour).
		DownSample(100, 0).
		DownSample(50, 60).
		Transparency(true).
		Transparency(false).
		Fade(false).
		Target("slot-1").
		Build()
	require.NoError(t, err)

	n, delay := d.Retry()
	assert.Equal(t, 3, n)
	assert.Equal(t, 500*time.Millisecond, delay)
	ttl, ok := d.CacheDuration()
	assert.True(t, ok)
	assert.Equal(t, 2*time.Hour, ttl)
	assert.Equal(t, transform.Downsample{Width: 50, Height: 60}, d.DownSample())
	assert.False(t, d.Transparency(true))
	assert.False(t, d.Fade(true))
	assert.Equal(t, "slot-1", d.Target())
	assert.Equal(t, SourceURL, d.Source())
}

func TestBuilder_Defaults(t *testing.T) {
	d, err := FromFile("/tmp/a.png").Build()
	require.NoError(t, err)

	_, ok := d.CacheDuration()
	assert.False(t, ok)
	assert.True(t, d.DownSample().IsZero())
	assert.True(t, d.Transparency(true))
	assert.False(t, d.Transparency(false))
	assert.True(t, d.Fade(true))
	n, delay := d.Retry()
	assert.Zero(t, n)
	assert.Zero(t, delay)
}

func TestBuilder_TransformAccumulates(t *testing.T) {
	d, err := FromURL("u").Transform(identity("a")).Transform(identity("b"), identity("c")).Build()
	require.NoError(t, err)

	chain := d.Transformations()
	require.Len(t, chain, 3)
	assert.Equal(t, "u;a;b;c", mustKey(t, d))
}

func TestBuilder_BuildIsRepeatable(t *testing.T) {
	b := FromURL("u").Transform(identity("a"))
	first, err := b.Build()
	require.NoError(t, err)

	b.Transform(identity("b"))
	second, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "u;a", mustKey(t, first), "earlier descriptors must not see later setter calls")
	assert.Equal(t, "u;a;b", mustKey(t, second))

	first.Dispose()
	assert.False(t, second.Disposed())
}

func TestBuilder_RejectsMisuse(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"nil transformation", FromURL("u").Transform(nil)},
		{"nil success", FromURL("u").OnSuccess(nil)},
		{"nil error", FromURL("u").OnError(nil)},
		{"nil finish", FromURL("u").OnFinish(nil)},
		{"negative retry", FromURL("u").Retry(-1, 0)},
		{"negative delay", FromURL("u").Retry(1, -time.Second)},
		{"negative downsample", FromURL("u").DownSample(-1, 10)},
		{"zero cache duration", FromURL("u").CacheDuration(0)},
		{"nil stream", FromStream(nil)},
		{"empty url", FromURL("")},
		{"empty resource", FromCompiledResource("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.b.Build()
			assert.Nil(t, d)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestFromStream_SharedIdentity(t *testing.T) {
	open := func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("x")), nil
	}
	b := FromStream(open)
	d1, err := b.Build()
	require.NoError(t, err)
	d2, err := b.Build()
	require.NoError(t, err)
	other, err := FromStream(open).Build()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(d1.Identifier(), "stream:"))
	assert.Equal(t, d1.Identifier(), d2.Identifier())
	assert.NotEqual(t, d1.Identifier(), other.Identifier())
	assert.NotNil(t, d1.Stream())
}

func mustKey(t *testing.T, d *Descriptor) string {
	t.Helper()
	key, err := d.CacheKey()
	require.NoError(t, err)
	return key
}

func TestCacheKey(t *testing.T) {
	a, b := identity("A"), identity("B")

	ab, err := FromURL("u").Transform(a, b).Build()
	require.NoError(t, err)
	ba, err := FromURL("u").Transform(b, a).Build()
	require.NoError(t, err)
	assert.NotEqual(t, mustKey(t, ab), mustKey(t, ba), "order must matter")

	plain, err := FromURL("u").Build()
	require.NoError(t, err)
	assert.Equal(t, "u", mustKey(t, plain))

	withCallbacks, err := FromURL("u").
		OnSuccess(func(Success) {}).
		OnError(func(error) {}).
		OnFinish(func(ScheduledWork) {}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, mustKey(t, plain), mustKey(t, withCallbacks))

	small, err := FromURL("u").DownSample(10, 10).Transform(a).Build()
	require.NoError(t, err)
	assert.Equal(t, "u;DownsampleTransformation,width=10,height=10;A", mustKey(t, small))
}

func TestCacheKey_EscapesSeparators(t *testing.T) {
	joined, err := FromURL("u").Transform(identity("a;b")).Build()
	require.NoError(t, err)
	split, err := FromURL("u").Transform(identity("a"), identity("b")).Build()
	require.NoError(t, err)
	assert.NotEqual(t, mustKey(t, joined), mustKey(t, split))
}

func TestDispose(t *testing.T) {
	called := false
	d, err := FromStream(func(context.Context) (io.ReadCloser, error) { return nil, nil }).
		Transform(identity("a")).
		OnSuccess(func(Success) { called = true }).
		Build()
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	d.Dispose()
	d.Dispose()

	assert.True(t, d.Disposed())
	assert.Nil(t, d.Callbacks().OnSuccess)
	assert.Nil(t, d.Stream())
	assert.Empty(t, d.Transformations())
	assert.ErrorIs(t, d.Validate(), ErrDisposed)
	_, err = d.CacheKey()
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, CodeDisposed, errors.GetCode(err))
	assert.False(t, called)
}

func TestValidate_Nil(t *testing.T) {
	var d *Descriptor
	assert.ErrorIs(t, d.Validate(), ErrInvalidArgument)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "compiled_resource", SourceCompiledResource.String())
	assert.Equal(t, "SourceKind(0)", SourceKind(0).String())
	assert.Equal(t, "memory_cache", MemoryCache.String())
	assert.Equal(t, "unknown", LoadingResult(0).String())
}
