package util

import (
	"testing"
	"time"
)

func TestKeyedLimiterFixedInterval(t *testing.T) {
	lim := NewKeyedLimiter(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)

	if !lim.Allow("p1", base) {
		t.Fatal("first event must be allowed")
	}
	if lim.Allow("p1", base.Add(5*time.Second)) {
		t.Error("event inside the interval must be throttled")
	}
	if !lim.Allow("p2", base.Add(5*time.Second)) {
		t.Error("keys must be throttled independently")
	}
	if !lim.Allow("p1", base.Add(10*time.Second)) {
		t.Error("event after the interval must be allowed")
	}
}

func TestKeyedLimiterReadyDoesNotConsume(t *testing.T) {
	lim := NewKeyedLimiter(time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !lim.Ready("p1", now) || !lim.Ready("p1", now) {
		t.Fatal("Ready must not consume the allowance")
	}
	if !lim.Allow("p1", now) {
		t.Fatal("Allow should succeed after Ready")
	}
	if lim.Ready("p1", now.Add(time.Second)) {
		t.Error("Ready should report false inside the interval")
	}

	lim.Forget("p1")
	if !lim.Ready("p1", now.Add(time.Second)) {
		t.Error("Forget should reset the key")
	}
}

func TestKeyedLimiterDisabled(t *testing.T) {
	lim := NewKeyedLimiter(0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if !lim.Allow("p1", now) {
			t.Fatal("zero interval must never throttle")
		}
	}
	var nilLim *KeyedLimiter
	if !nilLim.Allow("p1", now) {
		t.Error("nil limiter must allow")
	}
}
