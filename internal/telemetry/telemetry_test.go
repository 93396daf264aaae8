package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := CorrelationID(ctx); got != "abc" {
		t.Errorf("CorrelationID = %q, want abc", got)
	}

	generated := CorrelationID(WithCorrelationID(context.Background(), ""))
	if len(generated) != 36 {
		t.Errorf("generated id %q is not a UUID", generated)
	}

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID on bare context = %q", got)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "req-1")

	RequestLogger(logger, ctx, "astronomy").Info("turn")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["persona"] != "astronomy" || line["correlation_id"] != "req-1" {
		t.Errorf("log line = %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn("general", "text", "ok", 150*time.Millisecond)
	m.RecordTurn("general", "text", "ok", 10*time.Millisecond)
	m.RecordTurn("mechanics", "text", "generation_error", time.Second)
	m.SetActiveWindows(3)
	m.RecordUpload("image", "ok")

	if got := testutil.ToFloat64(m.turnsTotal.WithLabelValues("general", "text", "ok")); got != 2 {
		t.Errorf("general turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeWindows); got != 3 {
		t.Errorf("active windows = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.uploadsTotal.WithLabelValues("image", "ok")); got != 1 {
		t.Errorf("uploads = %v, want 1", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordPromptRefresh("astronomy", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `personagw_prompt_refreshes_total{persona="astronomy",status="ok"} 1`) {
		t.Errorf("metrics output missing refresh counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("general", "text", "ok", time.Second)
	m.RecordWindowTokens("general", 10)
	m.SetActiveWindows(1)
	m.RecordUpload("image", "ok")
	m.RecordPromptRefresh("general", "ok")
}
