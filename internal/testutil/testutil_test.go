package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventually(t *testing.T) {
	var counter int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&counter, 1)
	}()

	Eventually(t, func() bool {
		return atomic.LoadInt32(&counter) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	AssertEqual(t, clock.Now(), start)
	clock.Advance(90 * time.Second)
	AssertEqual(t, clock.Now(), start.Add(90*time.Second))
}

func TestAssertSliceEqual(t *testing.T) {
	AssertSliceEqual(t, []int{1, 2, 3}, []int{1, 2, 3})
	AssertSliceEqual(t, []string{}, []string{})
}
