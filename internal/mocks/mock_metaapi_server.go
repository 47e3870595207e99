package mocks

import (
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
)

// MetaAPIRespondFunc decides what the fake backend streams back for a query.
// The returned error, if any, ends the call after the responses are sent.
type MetaAPIRespondFunc func(req *metaapi.SparqlQueryRequest) ([]*metaapi.SparqlQueryResponse, error)

// MetaAPIServer is a scripted MetaAPI backend that records what it receives.
type MetaAPIServer struct {
	Respond MetaAPIRespondFunc

	// HoldOpen keeps the call open after sending until the client cancels.
	HoldOpen bool

	mu       sync.Mutex
	requests []*metaapi.SparqlQueryRequest
	tokens   []string
	done     chan struct{}
}

var _ metaapi.MetaAPIServer = (*MetaAPIServer)(nil)

func NewMetaAPIServer(respond MetaAPIRespondFunc) *MetaAPIServer {
	return &MetaAPIServer{Respond: respond, done: make(chan struct{}, 64)}
}

func (s *MetaAPIServer) SparqlQuery(req *metaapi.SparqlQueryRequest, stream grpc.ServerStreamingServer[metaapi.SparqlQueryResponse]) error {
	defer func() {
		select {
		case s.done <- struct{}{}:
		default:
		}
	}()

	var token string
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			token = strings.TrimPrefix(values[0], "bearer ")
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()

	responses, err := s.Respond(req)
	for _, resp := range responses {
		if sendErr := stream.Send(resp); sendErr != nil {
			return sendErr
		}
	}
	if err != nil {
		return err
	}

	if s.HoldOpen {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	return nil
}

// Requests returns the queries received so far.
func (s *MetaAPIServer) Requests() []*metaapi.SparqlQueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*metaapi.SparqlQueryRequest(nil), s.requests...)
}

// Tokens returns the bearer tokens received so far, in call order.
func (s *MetaAPIServer) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Done is signalled each time a call handler returns.
func (s *MetaAPIServer) Done() <-chan struct{} {
	return s.done
}

// ChunkResponse builds a successful chunk.
func ChunkResponse(seq uint64, payload string, last bool) *metaapi.SparqlQueryResponse {
	return &metaapi.SparqlQueryResponse{
		Payload: &metaapi.ResultPayload{SeqNum: seq, Last: last, ResultChunk: []byte(payload)},
	}
}

// FailedChunkResponse builds a chunk carrying a failure status.
func FailedChunkResponse(seq uint64, code int32, message string) *metaapi.SparqlQueryResponse {
	return &metaapi.SparqlQueryResponse{
		Payload: &metaapi.ResultPayload{SeqNum: seq, Status: &metaapi.Status{Code: code, Message: message}},
	}
}

// InOrder responds with parts as consecutive chunks, the final one marked last.
func InOrder(parts ...string) MetaAPIRespondFunc {
	return func(*metaapi.SparqlQueryRequest) ([]*metaapi.SparqlQueryResponse, error) {
		responses := make([]*metaapi.SparqlQueryResponse, 0, len(parts))
		for i, p := range parts {
			responses = append(responses, ChunkResponse(uint64(i), p, i == len(parts)-1))
		}
		return responses, nil
	}
}
