package greeterwire

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	r := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !r.Allow("alice") {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if r.Allow("alice") {
		t.Fatal("4th attempt should be denied")
	}
}

func TestRateLimiterTracksIdentitiesIndependently(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)
	if !r.Allow("alice") {
		t.Fatal("alice's first attempt should be allowed")
	}
	if !r.Allow("bob") {
		t.Fatal("bob's first attempt should be allowed, independent of alice")
	}
	if r.Allow("alice") {
		t.Fatal("alice's second attempt should be denied")
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	r := NewRateLimiter(1, 20*time.Millisecond)
	if !r.Allow("alice") {
		t.Fatal("first attempt should be allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !r.Allow("alice") {
		t.Fatal("attempt after window expiry should be allowed")
	}
}

func TestRateLimiterReset(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)
	r.Allow("alice")
	r.Reset()
	if !r.Allow("alice") {
		t.Fatal("attempt after Reset should be allowed")
	}
}

func TestRateLimiterEmptyIdentityForGuest(t *testing.T) {
	r := NewRateLimiter(2, time.Minute)
	if !r.Allow("") {
		t.Fatal("anonymous/guest identity should be tracked like any other key")
	}
}
