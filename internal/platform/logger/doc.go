// Package logger provides structured JSON logging built on log/slog,
// plus helpers for carrying a request- or job-scoped logger in a context.
package logger
