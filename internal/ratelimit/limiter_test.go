package ratelimit

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Window: time.Minute, MaxRequests: limit}, WithClock(clock.Now)), clock
}

func TestCheck_WindowScenario(t *testing.T) {
	l, clock := newTestLimiter(20)
	start := clock.Now()

	for i := 1; i <= 20; i++ {
		res := l.Check("1.2.3.4")
		if !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if res.Remaining != 20-i {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 20-i)
		}
		if !res.ResetAt.Equal(start.Add(time.Minute)) {
			t.Errorf("request %d resetAt = %v", i, res.ResetAt)
		}
	}

	res := l.Check("1.2.3.4")
	if res.Allowed || res.Remaining != 0 {
		t.Errorf("21st request = %+v, want denied with 0 remaining", res)
	}

	if other := l.Check("5.6.7.8"); !other.Allowed || other.Remaining != 19 {
		t.Errorf("other client = %+v", other)
	}

	// Still inside the window at exactly resetAt.
	clock.Advance(time.Minute)
	if res := l.Check("1.2.3.4"); res.Allowed {
		t.Error("allowed at the window boundary")
	}

	clock.Advance(time.Millisecond)
	res = l.Check("1.2.3.4")
	if !res.Allowed || res.Remaining != 19 {
		t.Errorf("after expiry = %+v, want fresh window", res)
	}
	if !res.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("new resetAt = %v", res.ResetAt)
	}
}

func TestGetAndReset(t *testing.T) {
	l, clock := newTestLimiter(2)

	if _, ok := l.Get("a"); ok {
		t.Error("Get on unknown id reported a window")
	}

	l.Check("a")
	l.Check("a")
	res, ok := l.Get("a")
	if !ok || res.Allowed || res.Remaining != 0 {
		t.Errorf("Get = %+v, %v", res, ok)
	}
	// Get does not count.
	if res2, _ := l.Get("a"); res2 != res {
		t.Errorf("Get changed state: %+v then %+v", res, res2)
	}

	l.Reset("a")
	if res := l.Check("a"); !res.Allowed || res.Remaining != 1 {
		t.Errorf("after Reset = %+v", res)
	}

	clock.Advance(2 * time.Minute)
	if _, ok := l.Get("a"); ok {
		t.Error("Get returned an expired window")
	}
	if l.Len() != 0 {
		t.Errorf("expired window not dropped by Get, Len = %d", l.Len())
	}
}

func TestSweep(t *testing.T) {
	l, clock := newTestLimiter(5)
	l.Check("old")
	clock.Advance(90 * time.Second)
	l.Check("new")

	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, _ := newTestLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheck_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 250 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Errorf("allowed = %d, want 100", allowed)
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 10.0.0.1 , 172.16.0.1"}, "10.0.0.1"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "10.0.0.2"}, "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.2"}, "10.0.0.2"},
		{"empty forwarded", map[string]string{"X-Forwarded-For": " ,x", "X-Real-IP": "10.0.0.2"}, "10.0.0.2"},
		{"none", nil, Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientID(r); got != tt.want {
				t.Errorf("ClientID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header(), Result{Remaining: 7, ResetAt: time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)})
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "7" {
		t.Errorf("remaining = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "2025-06-01T12:01:00Z" {
		t.Errorf("reset = %q", got)
	}
}
