package reqcache

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPopPreventsExpiry(t *testing.T) {
	c := New[uint32]()
	var fired atomic.Bool
	c.Add(1, 20*time.Millisecond, func() { fired.Store(true) }, nil)

	if !c.Pop(1) {
		t.Fatal("expected entry to be present")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("onExpire should not fire after Pop")
	}
	if c.Pop(1) {
		t.Fatal("second Pop should be a no-op")
	}
}

func TestExpiryFiresOnExpireAndRetry(t *testing.T) {
	c := New[uint32]()
	var expired atomic.Bool
	var retried atomic.Int32

	var retry func()
	retry = func() {
		retried.Add(1)
	}

	c.Add(2, 10*time.Millisecond, func() { expired.Store(true) }, &RetrySpec{
		Remaining: 1,
		Delay:     5 * time.Millisecond,
		Retry:     retry,
	})

	time.Sleep(60 * time.Millisecond)
	if !expired.Load() {
		t.Fatal("expected onExpire to fire")
	}
	if retried.Load() != 1 {
		t.Fatalf("expected retry to fire once, got %d", retried.Load())
	}
}

func TestHasAndLen(t *testing.T) {
	c := New[uint32]()
	if c.Has(5) {
		t.Fatal("expected no entry yet")
	}
	c.Add(5, time.Hour, nil, nil)
	if !c.Has(5) || c.Len() != 1 {
		t.Fatal("expected one live entry")
	}
	c.Pop(5)
	if c.Has(5) || c.Len() != 0 {
		t.Fatal("expected entry removed")
	}
}
