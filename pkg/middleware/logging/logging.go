package logging

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smartrics/iotics-sparql-http/pkg/logger"
)

const (
	httpMethodKey      = "http_method"
	httpURIKey         = "http_uri"
	httpRemoteAddrKey  = "http_remote_addr"
	httpHeadersKey     = "http_headers"
	httpStatusKey      = "http_status"
	httpBytesKey       = "http_bytes_written"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	httpReqReceivedKey = "http_req_received"
	httpReqCompleteKey = "http_req_complete"

	redacted = "<redacted>"
)

var sensitiveHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
}

// NewHTTPLoggingMiddleware logs each request on arrival and its outcome on
// completion. Request headers are only logged at debug level, with
// credentials redacted.
func NewHTTPLoggingMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			fields := []zap.Field{
				zap.String(httpMethodKey, r.Method),
				zap.String(httpURIKey, r.URL.RequestURI()),
				zap.String(httpRemoteAddrKey, r.RemoteAddr),
			}
			spanCtx := trace.SpanContextFromContext(ctx)
			if spanCtx.HasTraceID() {
				fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String(userAgentKey, ua))
			}

			l.DebugWithContext(ctx, httpReqReceivedKey, append(fields, zap.Any(httpHeadersKey, redactHeaders(r.Header)))...)

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			fields = append(fields,
				zap.Int(httpStatusKey, rec.Status()),
				zap.Int64(httpBytesKey, rec.written),
				zap.String(queryDurationKey, strconv.FormatInt(time.Since(start).Milliseconds(), 10)),
			)
			if rec.Status() >= http.StatusInternalServerError {
				l.ErrorWithContext(ctx, httpReqCompleteKey, fields...)
				return
			}
			l.InfoWithContext(ctx, httpReqCompleteKey, fields...)
		})
	}
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[http.CanonicalHeaderKey(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// statusRecorder captures the response status while keeping streaming
// responses flushable.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status is the status written so far, 200 if the handler wrote nothing.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
