package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"execute": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/execute", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429 response")
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"evaluate": {RatePerSecond: 1, Burst: 1},
		"execute":  {RatePerSecond: 1, Burst: 1},
	}, nil)

	evalHandler := limiter.Middleware("evaluate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	execHandler := limiter.Middleware("execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/evaluate", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	evalHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected evaluate request to succeed, got %d", res.Code)
	}

	execReq := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/execute", nil)
	execReq.Header.Set("X-API-Key", "tenant-A")
	execRes := httptest.NewRecorder()
	execHandler.ServeHTTP(execRes, execReq)
	if execRes.Code != http.StatusOK {
		t.Fatalf("expected first execute request to succeed, got %d", execRes.Code)
	}

	execRes = httptest.NewRecorder()
	execHandler.ServeHTTP(execRes, execReq)
	if execRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second execute request to hit limit, got %d", execRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"execute": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /api/v1/gateway/execute": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/execute", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first execute request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second execute request to consume burst and be rate limited, got %d", res.Code)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/gateway/status", nil)
	statusRes := httptest.NewRecorder()
	handler.ServeHTTP(statusRes, statusReq)
	if statusRes.Code != http.StatusOK {
		t.Fatalf("expected status route to succeed with default token cost, got %d", statusRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"evaluate": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("evaluate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/evaluate", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected tenant A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/evaluate", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected tenant B request to succeed, got %d", resB.Code)
	}
}

func TestDefaultLimitsMatchRequiredFloors(t *testing.T) {
	limits := DefaultLimits()
	cases := map[string]int{
		"evaluate": 120,
		"execute":  60,
		"login":    10,
		"default":  200,
	}
	for key, perMinute := range cases {
		rl, ok := limits[key]
		if !ok {
			t.Fatalf("missing default limit for %q", key)
		}
		if rl.Burst != perMinute {
			t.Fatalf("%q: expected burst %d, got %d", key, perMinute, rl.Burst)
		}
	}
}
