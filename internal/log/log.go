// Package log is the vault's structured logger.
//
// Every record carries the build it came from and, inside a request, the
// trace it belongs to. Attributes whose key names a secret are replaced
// before any handler sees them: the unlock path handles the vault password
// and it must not reach a log sink even through a careless kv pair.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is what the rest of the vault logs through. Error takes the error
// separately so its stack and chain can be rendered as attributes.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	// App, Version, Commit and BuildId are attached to every record when set.
	App     string
	Version string
	Commit  string
	BuildId string

	Level slog.Level
	// StacktraceLevel is the lowest level that gets a stack; errors by default.
	StacktraceLevel slog.Level
	JsonFormat      bool

	// MaxErrorLinks caps how many wrapped errors are listed per record.
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Writer defaults to stdout.
	Writer io.Writer

	// RedactKeys are attribute keys whose values are replaced before any
	// handler sees them. DefaultRedactKeys is used when empty.
	RedactKeys []string
}

// DefaultRedactKeys covers every key the vault could plausibly log a secret under.
var DefaultRedactKeys = []string{"password", "passphrase", "secret", "key", "authorization"}

const redacted = "[REDACTED]"

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel reads a level name as given in LMVAULT_LOG_LEVEL and friends.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
