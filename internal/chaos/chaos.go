// Package chaos runs consistency experiments against the loan engine:
// check the steady state, inject a fault or a burst of contention, observe,
// roll back and validate the hypothesis.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment before anything is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment describes one consistency experiment.
type Experiment struct {
	Name       string
	Hypothesis string
	// Setup seeds the data the experiment works on.
	Setup       func(context.Context) error
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	// Observe is sampled once after Method and once after Rollback.
	Observe    []Metric
	Validation []Assertion
}

// Metric is a measurable property of the system.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion is checked against the last observation of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Engine registers and runs experiments.
type Engine struct {
	tracer      trace.Tracer
	logger      Logger
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type Option func(*Engine)

func WithLogger(l Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		tracer: otel.Tracer("libralend/chaos"),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment. The returned error is non-nil only when
// the experiment could not start; a violated hypothesis is reported in the
// result.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	if exp.Setup != nil {
		if err := exp.Setup(ctx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("setup %s: %w", exp.Name, err)
		}
	}

	span.AddEvent("validating_steady_state")
	if violations := e.sample(ctx, exp.SteadyState, result, false); len(violations) > 0 {
		result.Violations = violations
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting")
	e.execute(ctx, exp.Method, result)

	span.AddEvent("observing")
	var violatedAt time.Time
	if v := e.sample(ctx, exp.Observe, result, true); len(v) > 0 {
		result.Violations = append(result.Violations, v...)
		violatedAt = v[0].Timestamp
	}

	span.AddEvent("rolling_back")
	e.execute(ctx, exp.Rollback, result)

	if v := e.sample(ctx, exp.Observe, result, true); len(v) > 0 {
		result.Violations = append(result.Violations, v...)
	} else if !violatedAt.IsZero() {
		mttr := time.Since(violatedAt)
		result.MTTR = &mttr
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, actions []Action, result *Result) {
	span := trace.SpanFromContext(ctx)
	for _, a := range actions {
		if err := a.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: a.Target,
			})
			span.RecordError(err)
		}
	}
}

// sample queries every metric and returns the threshold violations. When
// record is set the values are kept as observations.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result, record bool) []MetricViolation {
	var violations []MetricViolation
	for _, m := range metrics {
		now := time.Now()
		value, err := m.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			violations = append(violations, MetricViolation{MetricName: m.Name, Expected: m.Threshold.Value, Actual: -1, Timestamp: now})
			continue
		}
		if record {
			result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		}
		if !m.Threshold.holds(value) {
			violations = append(violations, MetricViolation{MetricName: m.Name, Expected: m.Threshold.Value, Actual: value, Timestamp: now})
		}
	}
	return violations
}

func validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Metric]
		if len(points) == 0 {
			failed = append(failed, fmt.Sprintf("%s: no observations", a.Metric))
			continue
		}
		if !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration // wait between experiments
}

// ExecuteGameDay runs every scenario and logs the outcome. It returns an
// error when any scenario could not run or its hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gd GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gd.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day", "name", gd.Name, "experiments", len(gd.Scenarios))

	var (
		results []Result
		errs    []error
	)
	for i, exp := range gd.Scenarios {
		if i > 0 && gd.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(gd.Pause):
			}
		}

		e.logger.Info("running experiment", "name", exp.Name, "hypothesis", exp.Hypothesis)
		result, err := e.Run(ctx, exp)
		if err != nil {
			e.logger.Error("experiment aborted", "name", exp.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, *result)
		e.report(result)
		if !result.HypothesisHeld {
			errs = append(errs, fmt.Errorf("%s: hypothesis violated: %v", exp.Name, result.FailedAssertions))
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) report(r *Result) {
	args := []any{
		"name", r.ExperimentName,
		"hypothesis_held", r.HypothesisHeld,
		"violations", len(r.Violations),
		"errors", len(r.ErrorEvents),
		"duration", r.Duration,
	}
	if r.MTTR != nil {
		args = append(args, "mttr", *r.MTTR)
	}
	if r.HypothesisHeld {
		e.logger.Info("experiment finished", args...)
		return
	}
	e.logger.Warn("experiment finished", append(args, "failed", r.FailedAssertions)...)
}
