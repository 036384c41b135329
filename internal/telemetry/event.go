// Package telemetry defines security and request events and how they are emitted off the request path.
package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Event types emitted by the auth, session and transport layers.
const (
	EventLoginSucceeded  = "login_succeeded"
	EventLoginFailed     = "login_failed"
	EventSessionRejected = "session_rejected"
	EventSessionRevoked  = "session_revoked"
	EventSessionsSwept   = "sessions_swept"
	EventGRPCRequest     = "grpc_request"
)

// Event is one telemetry record. Attributes must never carry secrets or raw tokens.
type Event struct {
	Type       string
	Source     string
	UserID     string
	SessionID  string
	Attributes map[string]string
	CreatedAt  time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the servers stop before shutting down OTel providers,
// so in-flight async emits have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// Use from request handlers for fire-and-forget telemetry; errors are logged to log (slog.Default if nil).
//
// emitter and event may be nil; EmitAsync returns immediately without starting a goroutine.
// The goroutine detaches from ctx cancellation so a finished request does not abort an in-flight emit.
func EmitAsync(ctx context.Context, emitter EventEmitter, event *Event, log *slog.Logger) {
	if emitter == nil || event == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		emitCtx, cancel := context.WithTimeout(detached, emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Warn("telemetry: async emit failed", slog.String("event_type", event.Type), slog.Any("error", err))
		}
	}()
}
