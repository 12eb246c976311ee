package logger

import (
	"log/slog"
	"os"
)

// Logger is the global structured logger
var Logger *slog.Logger

// Init initializes the global logger based on environment
func Init(env string) {
	var handler slog.Handler

	switch env {
	case "production":
		// JSON for log shipping
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	case "test":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func get() *slog.Logger {
	if Logger == nil {
		Init("development")
	}
	return Logger
}

// With returns a logger with additional key-value pairs
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

// Component returns a logger tagged with the given component name.
func Component(name string) *slog.Logger {
	return get().With("component", name)
}

func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	get().Error(msg, args...)
}
