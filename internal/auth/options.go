package auth

import (
	"context"
	"time"
)

// Option configures components constructed by this package.
type Option func(*options)

type options struct {
	now           func() time.Time
	audit         AuditSink
	sender        CodeSender
	loginThrottle Throttle
	otpThrottle   Throttle
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		audit: nopAudit{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithAuditSink routes security events to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(o *options) {
		if sink != nil {
			o.audit = sink
		}
	}
}

// WithCodeSender sets the out-of-band delivery for one-time codes.
func WithCodeSender(sender CodeSender) Option {
	return func(o *options) { o.sender = sender }
}

// WithLoginThrottle bounds password and code sign-in attempts per tenant and identifier.
func WithLoginThrottle(t Throttle) Option {
	return func(o *options) { o.loginThrottle = t }
}

// WithOTPThrottle bounds one-time code requests per tenant and subject.
func WithOTPThrottle(t Throttle) Option {
	return func(o *options) { o.otpThrottle = t }
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, AuditEvent) error { return nil }
