package telemetry

import (
	"context"
	"testing"

	"cowrite/api/internal/config"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), config.OTelConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if tel != nil {
		t.Fatal("expected nil telemetry when disabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil error = %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("authorization=Bearer x, x-team = docs,broken")
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %v", got)
	}
	if got["authorization"] != "Bearer x" || got["x-team"] != "docs" {
		t.Fatalf("unexpected headers: %v", got)
	}
}
