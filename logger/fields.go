package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across revsync.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldProjectID  = "project_id"
	FieldRevisionID = "revision_id"
	FieldParentID   = "parent_id"
	FieldHead       = "head"
	FieldRequestID  = "request_id"

	// Components
	FieldComponent = "component"

	// Operations
	FieldMethod = "method"
	FieldRoute  = "route"
	FieldState  = "state"
	FieldStatus = "status"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount      = "count"
	FieldSize       = "size"
	FieldLocalOnly  = "local_only"
	FieldRemoteOnly = "remote_only"
	FieldSubtrees   = "subtrees"

	// Files and paths
	FieldPath = "path"

	// Glyph marking which subsystem emitted a line (see package sym)
	FieldSymbol = "symbol"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	orch := sync.NewOrchestrator(store, client, logger.ComponentLogger("sync"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
// Example:
//
//	sessionLogger := logger.ChildLogger(base, logger.FieldProjectID, req.ProjectID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
