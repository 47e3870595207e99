package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smartrics/iotics-sparql-http/internal/build"
	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
	serverErrors "github.com/smartrics/iotics-sparql-http/pkg/server/errors"
	"github.com/smartrics/iotics-sparql-http/pkg/stream"
	"github.com/smartrics/iotics-sparql-http/pkg/telemetry"
)

const (
	// ErrorTrailer carries the failure of a query whose response was already
	// committed.
	ErrorTrailer = "X-Sparql-Error"

	allowOriginHeader = "Access-Control-Allow-Origin"
	jsonContentType   = "application/json"

	outcomeDescribed   = "described"
	outcomeRejected    = "rejected"
	outcomeEmpty       = "empty"
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"
)

var tracer = otel.Tracer("sparqlhttp/pkg/server")

var (
	queryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "sparql_requests_total",
		Help:      "The total number of SPARQL protocol requests by scope and outcome.",
	}, []string{"scope", "outcome"})

	queryDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "sparql_query_duration_ms",
		Help:                            "Time spent streaming a query result from the backend.",
		Buckets:                         []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"scope", "outcome"})

	chunkCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "sparql_result_chunks_total",
		Help:      "The total number of result chunks written to clients.",
	}, []string{"scope"})
)

// Backend starts SPARQL queries. The returned stream must be closed.
type Backend interface {
	SparqlQuery(ctx context.Context, q metaapi.Query) (*metaapi.ResultStream, error)
}

var _ Backend = (*metaapi.Client)(nil)

// QueryGateway serves the SPARQL protocol for one backend scope.
type QueryGateway struct {
	scope       metaapi.Scope
	backend     Backend
	validator   *RequestValidator
	idleTimeout time.Duration
	logger      logger.Logger
}

func (g *QueryGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := g.scope.String()

	outcome, err := g.validator.Validate(r)
	if err != nil {
		queryCounter.WithLabelValues(scope, outcomeRejected).Inc()
		g.logger.DebugWithContext(ctx, "request rejected", zap.Error(err))
		writeError(w, serverErrors.HTTPStatus(err), err.Error())
		return
	}

	if outcome.Kind == Describe {
		queryCounter.WithLabelValues(scope, outcomeDescribed).Inc()
		g.writeDescription(w)
		return
	}

	query, err := queryText(r)
	if err != nil {
		queryCounter.WithLabelValues(scope, outcomeFailed).Inc()
		writeError(w, http.StatusInternalServerError, serverErrors.NewInternalError("failed to read query", err).Error())
		return
	}
	if query == "" {
		queryCounter.WithLabelValues(scope, outcomeEmpty).Inc()
		w.Header().Set(allowOriginHeader, "*")
		w.WriteHeader(http.StatusOK)
		return
	}

	g.execute(ctx, w, query, outcome.Exec)
}

func (g *QueryGateway) execute(ctx context.Context, w http.ResponseWriter, query string, exec ExecutionContext) {
	scope := g.scope.String()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "SparqlQuery", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("format", exec.Format.String()),
		attribute.String("user_did", exec.UserDID),
	))
	defer span.End()

	log := g.logger.With(zap.String("scope", scope), zap.Stringer("format", exec.Format), zap.String("user_did", exec.UserDID))

	results, err := g.backend.SparqlQuery(ctx, metaapi.Query{
		Text:   query,
		Scope:  g.scope,
		Format: exec.Format,
		Token:  exec.Token,
	})
	if err != nil {
		telemetry.TraceError(span, err)
		queryCounter.WithLabelValues(scope, outcomeFailed).Inc()
		log.ErrorWithContext(ctx, "failed to start query", zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrors.NewInternalError("failed to start query", errors.New(metaapi.Cause(err))).Error())
		return
	}
	defer results.Close()

	span.SetAttributes(attribute.String("client_ref", results.ClientRef))
	log = log.With(zap.String("client_ref", results.ClientRef))

	sink := newResponseSink(w, exec.Format, scope)
	err = stream.New(sink).Run(ctx, results, stream.WithIdleTimeout(g.idleTimeout))

	outcome := outcomeCompleted
	switch {
	case err == nil:
		log.DebugWithContext(ctx, "query completed", zap.Int("chunks", sink.chunks))
	case errors.Is(err, stream.ErrInterrupted) && ctx.Err() != nil:
		outcome = outcomeInterrupted
		log.InfoWithContext(ctx, "query interrupted by client", zap.Error(err))
	default:
		outcome = outcomeFailed
		telemetry.TraceError(span, err)
		log.WarnWithContext(ctx, "query failed", zap.Error(err), zap.Bool("committed", sink.committed))
	}
	queryCounter.WithLabelValues(scope, outcome).Inc()
	queryDurationHistogram.WithLabelValues(scope, outcome).Observe(float64(time.Since(start).Milliseconds()))
}

func (g *QueryGateway) writeDescription(w http.ResponseWriter) {
	body, err := describe(g.scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, serverErrors.NewInternalError("failed to describe service", err).Error())
		return
	}
	w.Header().Set("Content-Type", serviceDescriptionContentType)
	w.Header().Set(allowOriginHeader, "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// queryText extracts the query of an already validated request.
func queryText(r *http.Request) (string, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get(queryParam), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	if mediaType(r.Header.Get("Content-Type")) != formContentType {
		return string(body), nil
	}

	form, err := url.ParseQuery(string(body))
	if form.Has(queryParam) {
		return form.Get(queryParam), nil
	}
	if err != nil {
		// ParseQuery drops pairs holding a semicolon
		for _, pair := range strings.Split(string(body), "&") {
			if v, ok := strings.CutPrefix(pair, queryParam+"="); ok {
				return url.QueryUnescape(v)
			}
		}
	}
	// a bare url encoded query without the query= key
	return url.QueryUnescape(string(body))
}

func writeError(w http.ResponseWriter, status int, message string) {
	body, err := json.Marshal(serverErrors.ErrorResponse{Message: message})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", jsonContentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set(allowOriginHeader, "*")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// responseSink writes reassembled chunks to the HTTP response. Headers are
// committed on the first chunk or on completion. Failures before that become
// a JSON error response, failures after it an HTTP trailer.
type responseSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	format    resultformat.Format
	scope     string
	committed bool
	chunks    int
}

var _ stream.Sink = (*responseSink)(nil)

func newResponseSink(w http.ResponseWriter, format resultformat.Format, scope string) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w), format: format, scope: scope}
}

func (s *responseSink) commit() {
	if s.committed {
		return
	}
	s.committed = true
	h := s.w.Header()
	if m := s.format.MIME(); m != "" {
		h.Set("Content-Type", m)
	}
	h.Set(allowOriginHeader, "*")
	s.w.WriteHeader(http.StatusOK)
}

func (s *responseSink) Next(payload []byte) error {
	s.commit()
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	s.chunks++
	chunkCounter.WithLabelValues(s.scope).Inc()

	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *responseSink) Error(err error) {
	if s.committed {
		s.w.Header().Set(http.TrailerPrefix+ErrorTrailer, err.Error())
		return
	}

	var chunkErr *stream.ChunkError
	if errors.As(err, &chunkErr) {
		writeError(s.w, http.StatusInternalServerError, chunkErr.Error())
		return
	}
	writeError(s.w, http.StatusInternalServerError, serverErrors.NewInternalError("query failed", errors.New(metaapi.Cause(err))).Error())
}

func (s *responseSink) Completed() {
	s.commit()
}
