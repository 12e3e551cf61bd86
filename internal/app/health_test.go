package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to parse response: %v body=%s", err, body)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", "", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decodeMap(t, rr.Body.Bytes())
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	response := decodeMap(t, rr.Body.Bytes())
	if status := response["status"]; status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	for _, name := range []string{"database", "redis"} {
		check, _ := checks[name].(map[string]any)
		if check["status"] != "ok" {
			t.Errorf("expected %s status=ok, got %v", name, checks[name])
		}
	}
	if ai, _ := checks["ai"].(map[string]any); ai["status"] != "ready" {
		t.Errorf("expected ai status=ready, got %v", checks["ai"])
	}
	if search, _ := checks["search"].(map[string]any); search["status"] != "disabled" {
		t.Errorf("expected search status=disabled, got %v", checks["search"])
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeMap(t, rr.Body.Bytes())
	if ok := response["ok"]; ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	checks := response["checks"].(map[string]any)
	db := checks["database"].(map[string]any)
	if db["status"] != "error" || db["error"] != "connection refused" {
		t.Errorf("unexpected database check %v", db)
	}
}

func TestReadyEndpoint_RedisFailure(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Close()

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks := decodeMap(t, rr.Body.Bytes())["checks"].(map[string]any)
	if redis := checks["redis"].(map[string]any); redis["status"] != "error" {
		t.Errorf("expected redis error, got %v", redis)
	}
}

func TestOptionsPreflight(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/projects", "", "")

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin *, got %q", got)
	}
}
