package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	docs  map[string]json.RawMessage
	loads int
}

func (b *countingBackend) Load(ctx context.Context, name string) (json.RawMessage, error) {
	b.loads++
	doc, ok := b.docs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func TestCacheHit(t *testing.T) {
	backend := &countingBackend{docs: map[string]json.RawMessage{
		"features.abtest": json.RawMessage("true"),
	}}
	cache, err := NewCache(backend, 16, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		doc, err := cache.Load(ctx, "features.abtest")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage("true"), doc)
	}
	// Only the first read hits the backend.
	assert.Equal(t, 1, backend.loads)
}

func TestCacheExpiry(t *testing.T) {
	backend := &countingBackend{docs: map[string]json.RawMessage{
		"features.abtest": json.RawMessage("false"),
	}}
	cache, err := NewCache(backend, 16, time.Nanosecond)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.Load(ctx, "features.abtest")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	backend.docs["features.abtest"] = json.RawMessage("true")
	doc, err := cache.Load(ctx, "features.abtest")
	require.NoError(t, err)
	// Expired entries are re-read from the backend.
	assert.Equal(t, json.RawMessage("true"), doc)
	assert.Equal(t, 2, backend.loads)
}

func TestCacheNotFoundPassthrough(t *testing.T) {
	backend := &countingBackend{}
	cache, err := NewCache(backend, 16, time.Minute)
	require.NoError(t, err)
	_, err = cache.Load(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestBoolFlag(t *testing.T) {
	backend := &countingBackend{docs: map[string]json.RawMessage{
		"features.abtest": json.RawMessage("true"),
		"broken":          json.RawMessage(`"nope"`),
	}}
	ctx := context.Background()

	v, err := Bool(ctx, backend, "features.abtest", false)
	require.NoError(t, err)
	assert.True(t, v)

	// Missing flags return the fallback without error.
	v, err = Bool(ctx, backend, "missing", true)
	require.NoError(t, err)
	assert.True(t, v)

	// Malformed docs return the fallback and the error.
	v, err = Bool(ctx, backend, "broken", false)
	assert.Error(t, err)
	assert.False(t, v)
}
