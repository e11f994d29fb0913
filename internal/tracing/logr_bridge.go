package tracing

import (
	stdlog "log"
	"log/slog"
	"strings"

	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
)

// slogWriter adapts an io.Writer onto a *slog.Logger so a stdlib *log.Logger
// (the only thing github.com/go-logr/stdr knows how to wrap) ends up
// forwarding through the same structured sink as everything else.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// BridgeOtelLogging points otel's internal diagnostic logger (used when
// span/metric export fails, not for application logs) at logger, via
// go-logr/stdr — a teacher transitive dependency (pulled in by
// go.opentelemetry.io/otel itself) that was otherwise never constructed.
// Without this call, otel's internal errors go to its default no-op
// logger and are silently dropped.
func BridgeOtelLogging(logger *slog.Logger) {
	std := stdlog.New(&slogWriter{logger: logger}, "", 0)
	otel.SetLogger(stdr.New(std))
}
