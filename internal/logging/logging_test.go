package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextHandlerAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSON(&buf)

	ctx := WithFields(context.Background(), Fields{RequestID: "req_1", UserID: "usr_1"})
	ctx = WithFields(ctx, Fields{ProjectID: "prj_1"})
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{"request_id": "req_1", "user_id": "usr_1", "project_id": "prj_1"} {
		if record[key] != want {
			t.Fatalf("%s = %v, want %s", key, record[key], want)
		}
	}
	if _, ok := record["component"]; ok {
		t.Fatal("empty component should not be logged")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
