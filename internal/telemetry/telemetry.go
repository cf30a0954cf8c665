// Package telemetry builds the client's structured logger and the sink that
// receives failures caught at optimistic-mutation boundaries.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"CovesClient/internal/core/apierrors"
)

// Refresh outcomes recorded by RecordRefresh.
const (
	RefreshSuccess = "success"
	RefreshExpired = "expired"
	RefreshFailed  = "failed"
)

// Sink receives client-side failures that were handled (rolled back or
// surfaced to the user) but should still be visible to operators.
type Sink interface {
	ReportError(ctx context.Context, op string, err error)
	RecordRollback(op string)
	RecordRefresh(outcome string)
}

// NewLogger builds a slog logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// metricsSink logs every report and counts it in prometheus.
type metricsSink struct {
	logger    *slog.Logger
	errors    *prometheus.CounterVec
	rollbacks *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// NewSink creates a sink that logs to logger and registers its counters with
// reg. A nil reg keeps the counters unregistered.
func NewSink(logger *slog.Logger, reg prometheus.Registerer) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &metricsSink{
		logger: logger,
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coves_client",
			Name:      "errors_total",
			Help:      "Client operation failures by operation and error kind.",
		}, []string{"op", "kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coves_client",
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations rolled back after a failed request.",
		}, []string{"op"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coves_client",
			Name:      "refresh_total",
			Help:      "Session refresh attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.errors, s.rollbacks, s.refreshes)
	}
	return s
}

func (s *metricsSink) ReportError(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	kind := apierrors.KindOf(err)
	s.errors.WithLabelValues(op, kind.String()).Inc()
	s.logger.WarnContext(ctx, "client operation failed",
		"op", op,
		"kind", kind.String(),
		"error", err)
}

func (s *metricsSink) RecordRollback(op string) {
	s.rollbacks.WithLabelValues(op).Inc()
}

func (s *metricsSink) RecordRefresh(outcome string) {
	s.refreshes.WithLabelValues(outcome).Inc()
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) ReportError(context.Context, string, error) {}
func (NopSink) RecordRollback(string)                      {}
func (NopSink) RecordRefresh(string)                       {}
