// Package audit records security events as structured log lines and,
// optionally, in a persistent store.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Store persists audit events. The pg and memory stores implement it.
type Store interface {
	Append(ctx context.Context, event auth.AuditEvent) error
}

// Sink implements auth.AuditSink.
type Sink struct {
	store Store
	now   func() time.Time
}

var _ auth.AuditSink = (*Sink)(nil)

// NewSink returns a sink that logs every event and appends it to store when
// store is non-nil.
func NewSink(store Store) *Sink {
	return &Sink{store: store, now: time.Now}
}

// Record writes the event. A store failure is logged and returned; the log
// line is always written first.
func (s *Sink) Record(ctx context.Context, event auth.AuditEvent) error {
	event.Action = strings.TrimSpace(event.Action)
	if event.Action == "" {
		return errors.New("event name is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}

	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event.Action),
		zap.String("outcome", event.Outcome),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.MembershipID != "" {
		fields = append(fields, zap.String("membership_id", event.MembershipID))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.MembershipID != event.MembershipID {
		fields = append(fields, zap.String("actor_id", p.MembershipID))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("fields", event.Metadata))
	}

	log := obs.FromContext(ctx)
	log.Info("audit", fields...)

	if s.store == nil {
		return nil
	}
	if err := s.store.Append(ctx, event); err != nil {
		log.Error("audit append failed", zap.String("event", event.Action), zap.Error(err))
		return err
	}
	return nil
}
