package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler("text", &buf, nil)).Info("hello", "plugin_id", "a")
	if !strings.Contains(buf.String(), "plugin_id=a") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
	buf.Reset()
	slog.New(newHandler("json", &buf, nil)).Info("hello", "plugin_id", "a")
	if !strings.Contains(buf.String(), `"plugin_id":"a"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestRollingFileCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	writer, err := rollingFile(filepath.Join(dir, "audit.log"), Rotation{})
	if err != nil {
		t.Fatalf("rollingFile: %v", err)
	}
	defer writer.Close()
	if writer.MaxSize != 100 || writer.MaxBackups != 7 || writer.MaxAge != 30 {
		t.Fatalf("unexpected rotation defaults: %+v", writer)
	}
	if _, err := writer.Write([]byte("entry\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "audit.log")); err != nil {
		t.Fatalf("expected log file: %v", err)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
