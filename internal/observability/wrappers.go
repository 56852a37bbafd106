package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/router"
	"github.com/jkaninda/hpcbridge/internal/sandbox"
)

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

// --- InstrumentedHandler ---

// InstrumentedHandler wraps a router.Handler with metrics and tracing.
type InstrumentedHandler struct {
	inner      router.Handler
	capability string
	metrics    *MetricsCollector
	tracer     trace.Tracer
}

// NewInstrumentedHandler wraps the handler registered for capability.
func NewInstrumentedHandler(capability string, inner router.Handler, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedHandler {
	return &InstrumentedHandler{inner: inner, capability: capability, metrics: metrics, tracer: tracerOf(ts)}
}

func (h *InstrumentedHandler) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "hpc."+h.capability,
			trace.WithAttributes(
				attribute.String("hpc.capability", h.capability),
				attribute.String("hpc.call_id", router.CallID(ctx)),
			))
	}
	if h.metrics != nil {
		h.metrics.ActiveCalls.Inc()
		defer h.metrics.ActiveCalls.Dec()
	}

	start := time.Now()
	result, err := h.inner.Handle(ctx, payload)
	duration := time.Since(start).Seconds()

	var attrs []attribute.KeyValue
	if resp, ok := result.(hpc.TLSPResponse); ok {
		attrs = append(attrs, attribute.Int("http.status_code", resp.Status))
		if h.metrics != nil {
			h.metrics.TLSPUpstream.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
		}
	}
	endSpan(span, err, attrs...)

	if h.metrics != nil {
		h.metrics.HandlerDuration.WithLabelValues(h.capability, outcome(err)).Observe(duration)
	}
	return result, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	return &InstrumentedSandbox{inner: inner, metrics: metrics, tracer: tracerOf(ts)}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute")
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	transport := req.Transport
	var attrs []attribute.KeyValue
	if err != nil {
		status = "error"
	} else {
		if result.Transport != "" {
			transport = result.Transport
		}
		attrs = append(attrs, attribute.Int("sandbox.exit_code", result.ExitCode))
		if result.ExitCode != 0 {
			status = "nonzero_exit"
		}
	}
	if transport == "" {
		transport = "none"
	}
	attrs = append(attrs, attribute.String("sandbox.transport", transport))
	endSpan(span, err, attrs...)

	if s.metrics != nil {
		s.metrics.SandboxRunsTotal.WithLabelValues(transport, status).Inc()
		s.metrics.SandboxRunDuration.WithLabelValues(transport).Observe(duration)
	}
	return result, err
}

// --- HTTP middleware ---

// HTTPMetricsMiddleware records request counts and durations for next.
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.Start(ctx, "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				))
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start).Seconds()
		endSpan(span, nil, attribute.Int("http.status_code", rec.status))

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// --- Compile-time interface checks ---

var (
	_ router.Handler  = (*InstrumentedHandler)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
	_ router.Observer = (*Observability)(nil)
)
