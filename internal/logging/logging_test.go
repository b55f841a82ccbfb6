package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"job accepted\"", "job_id=3"}},
		{"json", []string{`"msg":"job accepted"`, `"job_id":3`}},
		{"JSON", []string{`"msg":"job accepted"`}},
		{"", []string{"job_id=3"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).Info("job accepted", "job_id", 3)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("expected %q in %q", w, buf.String())
				}
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(ParseLevel("warn"), "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info message logged at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestForConn(t *testing.T) {
	var buf bytes.Buffer
	logger := ForConn(NewLoggerWithWriter(slog.LevelInfo, "text", &buf), "127.0.0.1:5000")
	logger.Info("registered")

	out := buf.String()
	if !strings.Contains(out, "conn_id=conn_") || !strings.Contains(out, "remote=127.0.0.1:5000") {
		t.Errorf("missing connection attributes: %s", out)
	}

	if a, b := NewConnID(), NewConnID(); a == b || len(a) != len("conn_")+8 {
		t.Errorf("unexpected connection ids %q %q", a, b)
	}
}
