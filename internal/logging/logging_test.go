package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "warn", Console: true}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("output = %q", out)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "desk.log")
	logger := newLogger(LogConfig{Level: "info", File: true, FilePath: path, MaxSize: 1}, &bytes.Buffer{})
	logger.Info().Str("segment", "nifty").Msg("written")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"segment":"nifty"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), WithSegment(logger, "positions"))

	ctxLogger := FromContext(ctx)
	ctxLogger.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"segment":"positions"`) {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	emptyLogger := FromContext(context.Background())
	emptyLogger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Error("logger from empty context wrote output")
	}
}

func TestLogOrder(t *testing.T) {
	var buf bytes.Buffer
	LogOrder(WithWorkflow(zerolog.New(&buf), "wf-1"), "O1", "TCS", "BUY", "COMPLETE")
	for _, want := range []string{`"workflow":"wf-1"`, `"order_id":"O1"`, `"status":"COMPLETE"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q missing %s", buf.String(), want)
		}
	}
}
