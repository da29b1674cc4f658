package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/token"
)

func TestHealthHealthy(t *testing.T) {
	t.Parallel()

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	breakers.Get("orders-api")
	hc := NewHealthChecker(breakers, token.NewCache(), "1.2.3")

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Version != "1.2.3" {
		t.Errorf("response = %+v", body)
	}
	if body.Checks["breakers"] != "0/1 open" {
		t.Errorf("breakers check = %q", body.Checks["breakers"])
	}
}

func TestHealthAllBreakersOpen(t *testing.T) {
	t.Parallel()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})
	br := breakers.Get("orders-api")
	_ = br.Do(t.Context(), func(context.Context) error { return errors.New("upstream down") })

	hc := NewHealthChecker(breakers, nil, "")
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
