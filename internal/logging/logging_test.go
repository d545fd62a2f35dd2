package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	stderr = os.Stderr
	isTerminalFn = defaultIsTerminalFn
	newSessionFn = defaultNewSessionFn
	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

var (
	defaultIsTerminalFn = isTerminalFn
	defaultNewSessionFn = newSessionFn
)

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf

	logger := Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "populate",
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "populate" {
		t.Fatalf("expected component to be recorded, got %q", baseComponent)
	}

	logger.Debug().Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "populate" {
		t.Fatalf("expected component field, got %#v", event["component"])
	}
	if event["message"] != "hello" {
		t.Fatalf("expected message field, got %#v", event["message"])
	}
}

func TestSelectWriterAutoUsesConsoleOnTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	isTerminalFn = func(int) bool { return true }
	stderr = os.Stderr

	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer when stderr is a terminal")
	}

	isTerminalFn = func(int) bool { return false }
	if w := selectWriter("auto"); w != io.Writer(os.Stderr) {
		t.Fatalf("expected raw stderr when not a terminal, got %T", w)
	}
}

func TestSelectWriterNonFileIsNeverTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf
	isTerminalFn = func(int) bool {
		t.Fatalf("isTerminal should not be consulted for non-file writers")
		return true
	}

	if w := selectWriter(""); w != io.Writer(&buf) {
		t.Fatalf("expected buffer writer, got %T", w)
	}
}

func TestSelectWriterInvalidFormatFallsBackToJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf

	if w := selectWriter("xml"); w != io.Writer(&buf) {
		t.Fatalf("expected JSON writer fallback, got %T", w)
	}
	if !strings.Contains(buf.String(), `invalid format "xml"`) {
		t.Fatalf("expected warning about invalid format, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf

	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" trace ":  zerolog.TraceLevel,
		"warning":  zerolog.WarnLevel,
		"warn":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"none":     zerolog.Disabled,
		"loud":     zerolog.InfoLevel,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
	if !strings.Contains(buf.String(), `invalid level "loud"`) {
		t.Fatalf("expected warning about invalid level, got %q", buf.String())
	}
}

func TestValidLevel(t *testing.T) {
	for _, level := range []string{"", "info", "Warning", "none", "disabled"} {
		if !ValidLevel(level) {
			t.Errorf("expected %q to be valid", level)
		}
	}
	if ValidLevel("loud") {
		t.Errorf("expected loud to be invalid")
	}
}

func TestWithSessionIDGeneratesAndStores(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	stderr = &buf
	Init(Config{Format: "json", Level: "info"})
	newSessionFn = func() string { return "01TESTSESSION" }

	ctx, logger := WithSessionID(context.Background(), "  ")
	if got := SessionID(ctx); got != "01TESTSESSION" {
		t.Fatalf("expected generated session id, got %q", got)
	}

	logger.Info().Msg("tagged")
	event := readJSONLine(t, &buf)
	if event["session_id"] != "01TESTSESSION" {
		t.Fatalf("expected session_id field, got %#v", event["session_id"])
	}

	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		t.Fatalf("expected logger to be attached to context")
	}
}

func TestWithSessionIDKeepsProvidedID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	ctx, _ := WithSessionID(nil, "abc") //nolint:staticcheck // nil context is accepted
	if got := SessionID(ctx); got != "abc" {
		t.Fatalf("expected provided session id, got %q", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Fatalf("expected empty session id on bare context, got %q", got)
	}
}
