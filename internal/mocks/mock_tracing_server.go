package mocks

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	otlpcollector "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
)

// TracingCollector is an OTLP trace collector that counts the spans it
// receives.
type TracingCollector struct {
	otlpcollector.UnimplementedTraceServiceServer

	Addr string

	mu    sync.Mutex
	spans int
}

var _ otlpcollector.TraceServiceServer = (*TracingCollector)(nil)

func (s *TracingCollector) Export(_ context.Context, req *otlpcollector.ExportTraceServiceRequest) (*otlpcollector.ExportTraceServiceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			s.spans += len(ss.GetSpans())
		}
	}
	return &otlpcollector.ExportTraceServiceResponse{}, nil
}

// SpanCount returns the number of spans exported so far.
func (s *TracingCollector) SpanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spans
}

// NewTracingCollector serves a collector on a random local port until the
// test ends.
func NewTracingCollector(t testing.TB) *TracingCollector {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &TracingCollector{Addr: lis.Addr().String()}
	server := grpc.NewServer()
	otlpcollector.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	return collector
}
