package logger

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

var log *slog.Logger

func init() {
	opts := &slog.HandlerOptions{Level: level()}
	handler := slog.NewTextHandler(os.Stderr, opts)
	log = slog.New(handler)
}

func level() slog.Level {
	if os.Getenv("MEDIBUDDY_DEBUG") == "true" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SetFile adds a JSON file sink next to stderr. The returned func closes the file.
func SetFile(path string) (func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level()}
	log = slog.New(slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, opts),
		slog.NewJSONHandler(file, opts),
	))

	return file.Close, nil
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return log.With(args...)
}

func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	log.Error(msg, args...)
}

func Fatal(msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}
