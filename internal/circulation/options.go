package circulation

import (
	"time"

	"libralend/internal/notify"
)

const day = 24 * time.Hour

// Policy holds the lending rules the engine applies.
type Policy struct {
	LoanPeriod  time.Duration // due_at = loaned_at + LoanPeriod on borrow and promotion
	RenewPeriod time.Duration // added to the current due_at on each renewal
	MaxRenewals int
	DueSoonDays int // default lookahead for NotifyDueSoon
}

// DefaultPolicy returns 14-day loans, one 14-day renewal and a 1-day due-soon window.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:  14 * day,
		RenewPeriod: 14 * day,
		MaxRenewals: 1,
		DueSoonDays: 1,
	}
}

// Clock abstracts time for the engine.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures the service.
type Option func(*service)

func WithPolicy(p Policy) Option {
	return func(s *service) {
		s.policy = p
	}
}

func WithClock(c Clock) Option {
	return func(s *service) {
		s.clock = c
	}
}

func WithLogger(l Logger) Option {
	return func(s *service) {
		s.logger = l
	}
}

// WithNotifyTimeout bounds how long an operation spends handing its
// notifications to the sink after commit.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithSink sets where notifications go after commit.
func WithSink(sink notify.Sink) Option {
	return func(s *service) {
		s.sink = sink
	}
}
