// Package logging centralizes logrus configuration and exposes the logging
// helpers used across the codebase, including gin middleware built on the
// same logger.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

// SetupBaseLogger configures the process-wide logger. Call once at startup
// before any other logging helper.
func SetupBaseLogger() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("CCBRIDGE_LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}
}

// SetDebug switches the logger between debug and info level.
func SetDebug(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// ConfigureLogOutput routes log output to a rotating file in addition to
// stderr. An empty path leaves the stderr-only default in place.
func ConfigureLogOutput(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }

// WithFields returns an entry carrying structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// GinLogrusLogger returns gin middleware that logs each completed request
// through the shared logger.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).Round(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
		} else {
			entry.Info("request")
		}
	}
}

// GinLogrusRecovery converts handler panics into 500 responses and logs the
// panic value instead of crashing the server.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(logger.WriterLevel(logrus.ErrorLevel), func(c *gin.Context, err any) {
		logger.Errorf("panic recovered: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "internal server error",
				"type":    "server_error",
			},
		})
	})
}
