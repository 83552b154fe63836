package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtEpoch(t *testing.T) {
	assert.Equal(t, Epoch, NewClock(time.Time{}).Now())

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, start.UTC(), NewClock(start).Now())
}

func TestClock_Advance(t *testing.T) {
	clock := NewClock(time.Time{})

	assert.Equal(t, Epoch.Add(time.Minute), clock.Advance(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now(), "Now does not advance")

	clock.Set(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	clock := NewClock(time.Time{})
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), clock.Now())
}
