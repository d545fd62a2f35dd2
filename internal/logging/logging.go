package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey string

const sessionIDKey ctxKey = "logging_session_id"

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "trace", "debug", "info", "warn", "error", "disabled"
	Component string // optional component name
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string

	defaultTimeFmt = time.RFC3339
)

var (
	stderr       io.Writer = os.Stderr
	isTerminalFn           = term.IsTerminal
	newSessionFn           = func() string { return ulid.Make().String() }
)

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)
	component := strings.TrimSpace(cfg.Component)

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	baseLogger = contextBuilder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger

	return baseLogger
}

// WithSessionID stores (or generates) a session ID on the context and returns
// a logger carrying it.
func WithSessionID(ctx context.Context, sessionID string) (context.Context, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = newSessionFn()
	}

	mu.RLock()
	logger := baseLogger.With().Str("session_id", sessionID).Logger()
	mu.RUnlock()

	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return logger.WithContext(ctx), logger
}

// SessionID returns the session ID stored on ctx, if any.
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// ValidLevel reports whether level names a known zerolog level.
func ValidLevel(level string) bool {
	normalized := normalizeLevel(level)
	if normalized == "" || normalized == "none" {
		return true
	}
	_, err := zerolog.ParseLevel(normalized)
	return err == nil
}

// ParseLevel converts a string log level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	normalized := normalizeLevel(level)
	switch normalized {
	case "":
		return zerolog.InfoLevel
	case "none":
		return zerolog.Disabled
	}
	parsed, err := zerolog.ParseLevel(normalized)
	if err != nil {
		fmt.Fprintf(stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
	return parsed
}

func normalizeLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "warning" {
		return "warn"
	}
	return normalized
}

func selectWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(stderr)
	case "json":
		return stderr
	case "auto", "":
		if isTerminal(stderr) {
			return newConsoleWriter(stderr)
		}
		return stderr
	default:
		fmt.Fprintf(stderr, "logging: invalid format %q; using %q\n", format, "json")
		return stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok || file == nil {
		return false
	}
	return isTerminalFn(int(file.Fd()))
}
