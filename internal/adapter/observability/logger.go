package observability

import (
	"log/slog"
	"os"

	"github.com/deepr-dev/deepr/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. Dev runs at debug
// with source locations; tests keep a quiet text handler so assertion output
// stays readable.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	var h slog.Handler
	if cfg.IsTest() {
		opts.Level = slog.LevelWarn
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
