package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs every HTTP request the relay serves, including the
// authenticated user when the auth middleware resolved one. Client errors
// land at warn so failed wallet gates and bad tokens stay visible without
// raising the log level.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		rawQuery := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"query", rawQuery,
			"ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
			"latency_ms", latency.Milliseconds(),
		}
		if userID := c.GetString("user_id"); userID != "" {
			fields = append(fields, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("relay request", fields...)
		case status >= 400:
			logger.Warn("relay request", fields...)
		default:
			logger.Debug("relay request", fields...)
		}
	}
}

// newServerErrorWriter wires net/http server errors (including TLS handshake
// errors) into slog. Handshake errors for hosts outside the certificate
// policy are dropped.
func newServerErrorWriter(logger *slog.Logger) io.Writer {
	return &handshakeNoiseFilter{next: &slogWriter{logger: logger, level: slog.LevelWarn}}
}

type handshakeNoiseFilter struct {
	next io.Writer
}

func (f *handshakeNoiseFilter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if strings.Contains(msg, "TLS handshake error") && strings.Contains(msg, "not configured") {
		return len(p), nil
	}
	return f.next.Write(p)
}

type slogWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	if w == nil || w.logger == nil {
		return len(p), nil
	}
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	w.logger.Log(context.Background(), w.level, "http server", "message", msg)
	return len(p), nil
}
