package service

import (
	"log/slog"
	"time"

	"vhost-proxy/internal/model"
)

// RequestLogger writes one record per completed request.
type RequestLogger struct {
	logger *slog.Logger
}

// NewRequestLogger creates a RequestLogger.
func NewRequestLogger(logger *slog.Logger) *RequestLogger {
	return &RequestLogger{logger: logger.With("component", "request_log")}
}

// Log emits the record for s. Status is 0 when no upstream response was received.
func (l *RequestLogger) Log(s model.Session, err error, rc *model.RequestContext) {
	attrs := []any{
		"method", s.Method(),
		"status", s.ResponseStatus(),
		"uri", s.URI(),
	}
	if rc != nil && !rc.Start.IsZero() {
		attrs = append(attrs, "duration_ms", time.Since(rc.Start).Milliseconds())
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	l.logger.Info("request", attrs...)
}
