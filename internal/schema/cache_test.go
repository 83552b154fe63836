package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/testutil"
)

func sampleMetadata() *Metadata {
	return &Metadata{Models: map[string]ModelMetadata{
		"Order": {Name: "Order", Table: "orders", PrimaryKey: []string{"id"}},
	}}
}

func TestCache_GetOrBuild_CachesValue(t *testing.T) {
	c := NewCache(time.Minute)
	var builds atomic.Int32
	build := func(ctx context.Context) (*Metadata, error) {
		builds.Add(1)
		return sampleMetadata(), nil
	}

	m1, err := c.GetOrBuild(context.Background(), "db1", build)
	require.NoError(t, err)
	m2, err := c.GetOrBuild(context.Background(), "db1", build)
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, int32(1), builds.Load())
}

// TestCache_TTLExpiry verifies lazy expiry on read.
func TestCache_TTLExpiry(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	c := NewCache(300*time.Second, WithClock(clock.Now))
	var builds atomic.Int32
	build := func(ctx context.Context) (*Metadata, error) {
		builds.Add(1)
		return sampleMetadata(), nil
	}

	_, err := c.GetOrBuild(context.Background(), "k", build)
	require.NoError(t, err)

	clock.Advance(299 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry is fresh before the TTL elapses")

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expires exactly at the TTL")

	_, err = c.GetOrBuild(context.Background(), "k", build)
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
}

// TestCache_ConcurrentMissesCollapse verifies one build for many racing
// first readers.
func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	c := NewCache(time.Minute)
	var builds atomic.Int32
	release := make(chan struct{})
	build := func(ctx context.Context) (*Metadata, error) {
		builds.Add(1)
		<-release
		return sampleMetadata(), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Metadata, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.GetOrBuild(context.Background(), "shared", build)
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}

	// Give the goroutines a moment to pile up on the in-flight build.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}

func TestCache_BuildErrorNotCached(t *testing.T) {
	c := NewCache(time.Minute)
	boom := errors.New("introspection failed")

	_, err := c.GetOrBuild(context.Background(), "k", func(ctx context.Context) (*Metadata, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	m, err := c.GetOrBuild(context.Background(), "k", func(ctx context.Context) (*Metadata, error) {
		return sampleMetadata(), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("a", sampleMetadata())
	c.Set("b", sampleMetadata())

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.InvalidateAll()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestModelMetadata_Helpers(t *testing.T) {
	mm := ModelMetadata{
		Fields: map[string]FieldMetadata{
			"email": {Name: "email", Column: "email_address"},
			"id":    {Name: "id"},
		},
	}

	assert.Equal(t, []string{"email", "id"}, mm.FieldNames())
	assert.Equal(t, "email_address", mm.Column("email"))
	assert.Equal(t, "id", mm.Column("id"))
	assert.Equal(t, "id", mm.PrimaryKeyField())
	assert.True(t, mm.HasField("email"))
	assert.False(t, mm.HasField("ssn"))

	var nilMeta *Metadata
	_, ok := nilMeta.Model("x")
	assert.False(t, ok)
}
