// internal/notify/sink.go
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

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

// LogSink writes every notification to a logger. Useful when no delivery
// transport is configured.
type LogSink struct {
	logger Logger
}

func NewLogSink(logger Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	args := []any{"user_id", n.UserID, "type", string(n.Type), "message", n.Message}
	if n.LoanID != nil {
		args = append(args, "loan_id", *n.LoanID)
	}
	s.logger.Info("notification", args...)
	return nil
}

// ErrQueueFull is returned when the transport queue cannot take another
// notification. The notification is dropped for transports only.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher delivers a notification to the direct sinks (the inbox) on the
// caller's goroutine and hands it to a bounded queue for the transports.
// A single worker drains the queue through a token bucket, so a due-soon
// sweep cannot flood downstream transports and never stalls a caller.
type Dispatcher struct {
	direct     []Sink
	transports []Sink
	limiter    *rate.Limiter
	logger     Logger
	timeout    time.Duration
	queueSize  int

	queue chan Notification
	stop  chan struct{}
	done  chan struct{}
	ctx   context.Context
	abort context.CancelFunc
	once  sync.Once

	sent    metric.Int64Counter
	failed  metric.Int64Counter
	dropped metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit caps transport deliveries per second. perSecond <= 0 disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDirect adds sinks written synchronously and never throttled, such as
// the persisted inbox.
func WithDirect(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		d.direct = append(d.direct, sinks...)
	}
}

// WithQueueSize bounds the number of notifications waiting for transports.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDeliveryTimeout bounds each single sink call.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for per-sink failures.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher starts a dispatcher whose queued notifications go to
// transports. Call Close to drain the queue and stop the worker.
func NewDispatcher(transports []Sink, opts ...Option) *Dispatcher {
	meter := otel.Meter("libralend/notify")
	sent, _ := meter.Int64Counter("notifications.sent")
	failed, _ := meter.Int64Counter("notifications.failed")
	dropped, _ := meter.Int64Counter("notifications.dropped")

	d := &Dispatcher{
		transports: transports,
		logger:     nopLogger{},
		timeout:    5 * time.Second,
		queueSize:  1024,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		sent:       sent,
		failed:     failed,
		dropped:    dropped,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Notification, d.queueSize)
	d.ctx, d.abort = context.WithCancel(context.Background())

	go d.run()
	return d
}

// Send writes n to the direct sinks and enqueues it for the transports. It
// does not wait for transports or for the rate limiter.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	select {
	case <-d.stop:
		return ErrClosed
	default:
	}

	var errs []error
	for i, sink := range d.direct {
		if err := d.deliver(ctx, sink, n); err != nil {
			d.logger.Warn("notification sink failed", "sink", "direct", "index", i, "type", string(n.Type), "error", err)
			errs = append(errs, err)
		}
	}

	if len(d.transports) > 0 {
		select {
		case d.queue <- n:
		default:
			d.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(n.Type))))
			d.logger.Warn("notification dropped", "user_id", n.UserID, "type", string(n.Type), "error", ErrQueueFull)
			errs = append(errs, ErrQueueFull)
		}
	}

	attrs := metric.WithAttributes(attribute.String("type", string(n.Type)))
	if len(errs) > 0 {
		d.failed.Add(ctx, 1, attrs)
		return errors.Join(errs...)
	}
	d.sent.Add(ctx, 1, attrs)
	return nil
}

// Close stops accepting notifications and waits for the queue to drain.
// When ctx ends first, pending deliveries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.stop) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.abort()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case n := <-d.queue:
			d.dispatch(n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.dispatch(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(n Notification) {
	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			d.dropped.Add(d.ctx, 1, metric.WithAttributes(attribute.String("reason", "rate_limit")))
			return
		}
	}
	for i, sink := range d.transports {
		if err := d.deliver(d.ctx, sink, n); err != nil {
			d.failed.Add(d.ctx, 1, metric.WithAttributes(attribute.String("type", string(n.Type))))
			d.logger.Warn("notification sink failed", "sink", "transport", "index", i, "type", string(n.Type), "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sink.Send(ctx, n)
}
