package services

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, capacity int) *SlidingWindowLimiter {
	t.Helper()
	limiter, err := NewSlidingWindowLimiter(capacity)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

func TestSlidingWindowLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	for i := 0; i < 5; i++ {
		info := limiter.Check("10.0.0.1", 5, time.Minute)
		if !info.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
		if want := 5 - (i + 1); info.Remaining != want {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, want, info.Remaining)
		}
	}
}

func TestSlidingWindowLimiter_RejectsOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	// 101 requests against limit=100: the first 100 pass, the 101st is
	// rejected with no remaining budget.
	for i := 0; i < 100; i++ {
		info := limiter.Check("10.0.0.1", 100, 15*time.Minute)
		if !info.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	info := limiter.Check("10.0.0.1", 100, 15*time.Minute)
	if info.Allowed {
		t.Fatalf("expected request 101 to be rejected")
	}
	if info.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", info.Remaining)
	}
	if info.ResetTime == nil {
		t.Fatalf("expected reset time on rejection")
	}
}

func TestSlidingWindowLimiter_WindowExpiryAdmitsAgain(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if info := limiter.Check("key", 3, time.Minute); !info.Allowed {
			t.Fatalf("warmup request %d rejected", i+1)
		}
	}

	if info := limiter.Check("key", 3, time.Minute); info.Allowed {
		t.Fatalf("expected rejection at the limit")
	}

	// Once the window has fully passed the first timestamp, budget frees up.
	now = now.Add(time.Minute + time.Second)
	if info := limiter.Check("key", 3, time.Minute); !info.Allowed {
		t.Fatalf("expected request after window expiry to be allowed")
	}
}

func TestSlidingWindowLimiter_RejectedRequestsDoNotConsumeBudget(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		limiter.Check("key", 2, time.Minute)
	}

	// Flood over the limit; none of these should be recorded.
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		if info := limiter.Check("key", 2, time.Minute); info.Allowed {
			t.Fatalf("flood request %d unexpectedly allowed", i+1)
		}
	}

	// The two recorded timestamps are now outside the window, so the
	// flood must not have extended the block.
	now = now.Add(time.Minute)
	if info := limiter.Check("key", 2, time.Minute); !info.Allowed {
		t.Fatalf("expected budget to free after recorded requests aged out")
	}
}

func TestSlidingWindowLimiter_ResetTimeTracksWindowStart(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	info := limiter.Check("key", 5, time.Minute)
	want := now.Add(time.Minute)
	if info.ResetTime == nil || !info.ResetTime.Equal(want) {
		t.Fatalf("expected reset at %s, got %+v", want, info.ResetTime)
	}
}

func TestSlidingWindowLimiter_BoundsTrackedKeys(t *testing.T) {
	limiter := newTestLimiter(t, 8)

	for i := 0; i < 100; i++ {
		limiter.Check(fmt.Sprintf("203.0.113.%d", i), 10, time.Minute)
	}

	if got := limiter.Len(); got > 8 {
		t.Fatalf("expected at most 8 tracked keys, got %d", got)
	}
}

func TestSlidingWindowLimiter_KeysAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t, 10)

	for i := 0; i < 3; i++ {
		limiter.Check("a", 3, time.Minute)
	}
	if info := limiter.Check("a", 3, time.Minute); info.Allowed {
		t.Fatalf("expected key a to be limited")
	}

	if info := limiter.Check("b", 3, time.Minute); !info.Allowed {
		t.Fatalf("expected key b to be unaffected")
	}
}

func TestSlidingWindowLimiter_ZeroLimitRejectsWithoutPanic(t *testing.T) {
	limiter := newTestLimiter(t, 4)

	info := limiter.Check("key", 0, time.Minute)
	if info.Allowed {
		t.Fatalf("expected zero limit to reject")
	}
	if info.ResetTime == nil {
		t.Fatalf("expected reset time even with no recorded requests")
	}
}

func newTestRateLimitService(t *testing.T) *RateLimitService {
	t.Helper()

	svc := &RateLimitService{}
	svc.ipLimit = 5
	svc.ipWindow = time.Minute
	svc.configs = map[string]*RateLimitConfig{
		"checkout.session.completed": {
			EventType:   "checkout.session.completed",
			MaxRequests: 5,
			WindowSize:  time.Minute,
			IsActive:    true,
		},
	}

	var err error
	if svc.ipLimiter, err = NewSlidingWindowLimiter(8); err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if svc.eventLimiter, err = NewSlidingWindowLimiter(8); err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return svc
}

func TestRateLimitService_ResetRestoresBudget(t *testing.T) {
	svc := newTestRateLimitService(t)

	for i := 0; i < 5; i++ {
		svc.CheckIP("10.0.0.1")
	}
	if info := svc.CheckIP("10.0.0.1"); info.Allowed {
		t.Fatalf("expected client to be limited before reset")
	}

	if err := svc.resetLimiters(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if info := svc.CheckIP("10.0.0.1"); !info.Allowed {
		t.Fatalf("expected fresh budget after reset")
	}
}

func TestRateLimitService_ResetConcurrentWithChecks(t *testing.T) {
	svc := newTestRateLimitService(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(client string) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					svc.CheckIP(client)
					svc.CheckEvent(client, "checkout.session.completed")
				}
			}
		}(fmt.Sprintf("10.0.0.%d", i))
	}

	for i := 0; i < 100; i++ {
		if err := svc.resetLimiters(); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}

	close(done)
	wg.Wait()

	if info := svc.CheckIP("10.0.0.0"); !info.Allowed {
		t.Fatalf("expected budget after final reset")
	}
}

func TestRateLimitService_ConfigUpdateConcurrentWithChecks(t *testing.T) {
	svc := newTestRateLimitService(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(client string) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					svc.CheckEvent(client, "checkout.session.completed")
				}
			}
		}(fmt.Sprintf("10.0.0.%d", i))
	}

	// Mutate the config in place the way the admin handler does.
	for i := 0; i < 100; i++ {
		svc.mutex.Lock()
		config := svc.configs["checkout.session.completed"]
		config.MaxRequests = 1 + i%10
		config.WindowSize = time.Duration(1+i%5) * time.Minute
		config.IsActive = i%2 == 0
		svc.mutex.Unlock()
	}

	close(done)
	wg.Wait()

	svc.mutex.Lock()
	svc.configs["checkout.session.completed"].MaxRequests = 1
	svc.configs["checkout.session.completed"].IsActive = true
	svc.mutex.Unlock()
	if err := svc.resetLimiters(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if info := svc.CheckEvent("10.0.0.99", "checkout.session.completed"); !info.Allowed {
		t.Fatalf("expected first event under updated ceiling to pass")
	}
	if info := svc.CheckEvent("10.0.0.99", "checkout.session.completed"); info.Allowed {
		t.Fatalf("expected updated ceiling of 1 to reject the second event")
	}
}

func TestRateLimitService_CheckEventUnknownTypeAllowed(t *testing.T) {
	svc := &RateLimitService{}
	svc.configs = map[string]*RateLimitConfig{}

	var err error
	if svc.eventLimiter, err = NewSlidingWindowLimiter(10); err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	info := svc.CheckEvent("10.0.0.1", "totally.new.event")
	if !info.Allowed {
		t.Fatalf("expected unconfigured event type to be allowed")
	}
	if info.Remaining != -1 {
		t.Fatalf("expected remaining -1 for unconfigured type, got %d", info.Remaining)
	}
}

func TestRateLimitService_CheckEventEnforcesPerTypeCeiling(t *testing.T) {
	svc := &RateLimitService{}
	svc.configs = map[string]*RateLimitConfig{
		"customer.subscription.created": {
			EventType:   "customer.subscription.created",
			MaxRequests: 2,
			WindowSize:  time.Minute,
			IsActive:    true,
		},
	}

	var err error
	if svc.eventLimiter, err = NewSlidingWindowLimiter(10); err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	for i := 0; i < 2; i++ {
		if info := svc.CheckEvent("10.0.0.1", "customer.subscription.created"); !info.Allowed {
			t.Fatalf("expected event %d to be allowed", i+1)
		}
	}
	if info := svc.CheckEvent("10.0.0.1", "customer.subscription.created"); info.Allowed {
		t.Fatalf("expected third event to be rejected")
	}

	// Another event type for the same client has its own bucket.
	svc.configs["invoice.payment_failed"] = &RateLimitConfig{
		EventType:   "invoice.payment_failed",
		MaxRequests: 2,
		WindowSize:  time.Minute,
		IsActive:    true,
	}
	if info := svc.CheckEvent("10.0.0.1", "invoice.payment_failed"); !info.Allowed {
		t.Fatalf("expected different event type to be unaffected")
	}
}
