package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

// Options select the log output. They are read from the environment at
// startup; Configure swaps them at runtime.
type Options struct {
	Level       string `env:"LOG_LEVEL"         envDefault:"INFO"`
	SampleRate  int    `env:"ERROR_SAMPLE_RATE" envDefault:"100"`
	OTEL        bool   `env:"OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"achievements"`
}

var (
	Logger *slog.Logger

	programLevel = new(slog.LevelVar)
	output       = io.Writer(os.Stdout)

	warnings     sampler
	shutdownFunc func(context.Context) error
)

func init() {
	var opts Options
	if err := env.Parse(&opts); err != nil {
		opts = Options{Level: "INFO", SampleRate: 100, ServiceName: "achievements"}
	}
	if err := Configure(opts); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, falling back to JSON at INFO\n", err)
		Configure(Options{Level: "INFO", SampleRate: opts.SampleRate})
	}
}

// SetOutput redirects JSON output; it takes effect on the next Configure
func SetOutput(w io.Writer) {
	output = w
}

// Configure replaces the package logger. The previous OTLP provider, if
// any, is not shut down; call Shutdown first when switching away from it.
func Configure(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	programLevel.Set(level)
	warnings.setRate(opts.SampleRate)

	if opts.OTEL {
		h, shutdown, err := otelHandler(context.Background(), opts.ServiceName)
		if err != nil {
			return err
		}
		shutdownFunc = shutdown
		use(h)
		Logger.Info("logging to OTLP", "service", opts.ServiceName, "sample_rate", warnings.rate.Load())
		return nil
	}

	shutdownFunc = nil
	use(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: programLevel}))
	return nil
}

func use(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

func otelHandler(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	// the bridge does not filter by level itself
	h := leveled{
		min:  programLevel,
		next: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return h, provider.Shutdown, nil
}

type leveled struct {
	min  slog.Leveler
	next slog.Handler
}

func (h leveled) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min.Level()
}

func (h leveled) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h leveled) WithGroup(name string) slog.Handler {
	return leveled{min: h.min, next: h.next.WithGroup(name)}
}

// Shutdown flushes the OTLP exporter; it is a no-op for JSON output
func Shutdown(ctx context.Context) error {
	if shutdownFunc == nil {
		return nil
	}
	return shutdownFunc(ctx)
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel accepts TRACE, DEBUG, INFO, WARN/WARNING, ERROR and FATAL in any case
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// sampler lets one in rate calls through
type sampler struct {
	rate atomic.Int32
}

func (s *sampler) setRate(rate int) {
	if rate < 1 {
		rate = 1
	}
	s.rate.Store(int32(rate))
}

func (s *sampler) allow() bool {
	rate := s.rate.Load()
	return rate <= 1 || rand.Int32N(rate) == 0
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn is sampled at ERROR_SAMPLE_RATE; the warning counter is not
func Warn(msg string, args ...any) {
	count(totalWarnings)
	if warnings.allow() {
		Logger.Warn(msg, args...)
	}
}

// Error is sampled like Warn. Per-action evaluation failures can repeat
// every tick, so only a fraction reaches the output.
func Error(msg string, args ...any) {
	count(totalErrors)
	if warnings.allow() {
		Logger.Error(msg, args...)
	}
}

// Crash logs at error level without sampling
func Crash(msg string, args ...any) {
	count(totalErrors)
	Logger.Error(msg, args...)
}

// Fatal logs, flushes the exporter and exits the process
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	Shutdown(context.Background())
	os.Exit(1)
}

type counter int

const (
	totalErrors counter = iota
	totalWarnings
	evaluationPasses
	evaluationErrors
	sourceFetchErrors
	completedActions
	stateTransitions
	fatalCrashes
	skippedTicks
	numCounters
)

var counterNames = [numCounters]string{
	totalErrors:       "totalErrors",
	totalWarnings:     "totalWarnings",
	evaluationPasses:  "evaluationPasses",
	evaluationErrors:  "evaluationErrors",
	sourceFetchErrors: "sourceFetchErrors",
	completedActions:  "completedActions",
	stateTransitions:  "stateTransitions",
	fatalCrashes:      "fatalCrashes",
	skippedTicks:      "skippedTicks",
}

var counters [numCounters]atomic.Int64

func count(cs ...counter) {
	for _, c := range cs {
		counters[c].Add(1)
	}
}

func CountPass()            { count(evaluationPasses) }
func CountEvaluationError() { count(evaluationErrors, totalErrors) }
func CountFetchError()      { count(sourceFetchErrors, totalWarnings) }
func CountCompletion()      { count(completedActions) }
func CountTransition()      { count(stateTransitions) }
func CountFatal()           { count(fatalCrashes, totalErrors) }

// CountSkippedTick records a tick dropped while the previous pass was still running
func CountSkippedTick() { count(skippedTicks) }

// Counters returns a copy of every counter, keyed by its JSON name
func Counters() map[string]int64 {
	out := make(map[string]int64, numCounters)
	for c := range numCounters {
		out[counterNames[c]] = counters[c].Load()
	}
	return out
}
