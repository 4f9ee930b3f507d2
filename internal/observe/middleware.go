package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseTap records the status code a handler writes. It forwards
// hijacking to the underlying writer so the relay's WebSocket upgrade keeps
// working behind the middleware; a hijacked connection is recorded as 101.
type responseTap struct {
	http.ResponseWriter
	status int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: underlying writer does not support hijacking")
	}
	t.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware instruments Parley's HTTP surface: the diagnostics routes and
// the relay's upgrade endpoint. Every request gets a server span, a sample
// in the request duration histogram, and an X-Correlation-ID header the
// caller can quote when reporting a broken session. Incoming W3C trace
// context is honoured, so a relay hop joins the trace its client started.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := prop.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := StartSpan(ctx, req.Method+" "+req.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(req.Method),
					semconv.URLPath(req.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(tap, req.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", req.Method),
					attribute.String("path", req.URL.Path),
				),
			)
			Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "request served",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", tap.status),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
