// Package metaapi is the gateway's client for the backend MetaAPI service,
// which executes SPARQL queries and streams results in numbered chunks.
package metaapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
	"github.com/smartrics/iotics-sparql-http/pkg/stream"
)

const retryBackoff = 100 * time.Millisecond

// ClientConfig configures the MetaAPI client.
type ClientConfig struct {
	// Addr is the address of the backend host (e.g., "myspace.iotics.space:10001").
	Addr string

	// TLSConfig is the TLS configuration. If nil, insecure credentials are used.
	TLSConfig *tls.Config

	// KeepaliveTime is the duration after which a keepalive ping is sent if no activity.
	// Zero value means keepalive is disabled.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is the duration to wait for a keepalive ping response.
	// Only used when KeepaliveTime > 0.
	KeepaliveTimeout time.Duration

	// KeepalivePermitWithoutStream allows sending keepalive pings even when no streams are active.
	KeepalivePermitWithoutStream bool

	// MaxRetries is how many times a query is retried when the backend is
	// unavailable before the first chunk. Zero disables retries.
	MaxRetries uint

	// ClientAppID is sent in the request headers of every query.
	ClientAppID string

	EnableTracing bool
	Metrics       *grpcprom.ClientMetrics
	Logger        logger.Logger

	// DialOptions are appended to the options built from this config.
	DialOptions []grpc.DialOption
}

// Client runs queries against the MetaAPI over one shared connection.
type Client struct {
	conn  *grpc.ClientConn
	api   MetaAPIClient
	appID string
}

func NewClient(config ClientConfig) (*Client, error) {
	grpcOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())),
	}

	if config.KeepaliveTime > 0 {
		grpcOpts = append(grpcOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: config.KeepalivePermitWithoutStream,
		}))
	}

	if config.TLSConfig != nil {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(credentials.NewTLS(config.TLSConfig)))
	} else {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	var interceptors []grpc.StreamClientInterceptor
	if config.Metrics != nil {
		interceptors = append(interceptors, config.Metrics.StreamClientInterceptor())
	}
	if config.Logger != nil {
		interceptors = append(interceptors, logging.StreamClientInterceptor(
			interceptorLogger(config.Logger),
			logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
			logging.WithLevels(clientCodeToLevel),
		))
	}
	if config.MaxRetries > 0 {
		interceptors = append(interceptors, retry.StreamClientInterceptor(
			retry.WithMax(config.MaxRetries),
			retry.WithCodes(codes.Unavailable),
			retry.WithBackoff(retry.BackoffExponential(retryBackoff)),
		))
	}
	if len(interceptors) > 0 {
		grpcOpts = append(grpcOpts, grpc.WithChainStreamInterceptor(interceptors...))
	}

	if config.EnableTracing {
		grpcOpts = append(grpcOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}

	grpcOpts = append(grpcOpts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Addr, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MetaAPI at '%s': %w", config.Addr, err)
	}

	return &Client{
		conn:  conn,
		api:   NewMetaAPIClient(conn),
		appID: config.ClientAppID,
	}, nil
}

// IsReady reports whether the backend connection can carry queries. An idle
// connection counts as ready and is asked to connect.
func (c *Client) IsReady(context.Context) (bool, error) {
	switch c.conn.GetState() {
	case connectivity.Ready:
		return true, nil
	case connectivity.Idle:
		c.conn.Connect()
		return true, nil
	default:
		return false, nil
	}
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Query is one SPARQL execution request.
type Query struct {
	Text   string
	Scope  Scope
	Format resultformat.Format
	// Token authorizes the call. It is sent as bearer metadata.
	Token string
}

// SparqlQuery starts q. The returned stream must be closed to release the
// underlying call.
func (c *Client) SparqlQuery(ctx context.Context, q Query) (*ResultStream, error) {
	resultType, err := ResultTypeFor(q.Format)
	if err != nil {
		return nil, err
	}

	clientRef := "sparql-" + uuid.NewString()
	req := &SparqlQueryRequest{
		Headers: &Headers{
			ClientRef:      clientRef,
			ClientAppID:    c.appID,
			TransactionRef: []string{clientRef},
		},
		Scope: q.Scope,
		Payload: &QueryPayload{
			ResultContentType: resultType,
			Query:             []byte(q.Text),
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	s, err := c.api.SparqlQuery(ctx, req, grpc.PerRPCCredentials(bearerToken(q.Token)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sparql query failed: %w", err)
	}

	return &ResultStream{ClientRef: clientRef, stream: s, cancel: cancel}, nil
}

// ErrMissingPayload is returned when the backend sends a response without
// a result payload.
var ErrMissingPayload = errors.New("sparql query response without payload")

// ResultStream adapts a MetaAPI response stream to stream.Source.
type ResultStream struct {
	ClientRef string

	stream grpc.ServerStreamingClient[SparqlQueryResponse]
	cancel context.CancelFunc
}

var _ stream.Source = (*ResultStream)(nil)

// Recv returns the next chunk, or io.EOF once the backend ends the stream.
func (s *ResultStream) Recv() (stream.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return stream.Chunk{}, err
	}

	p := resp.Payload
	if p == nil {
		return stream.Chunk{}, ErrMissingPayload
	}

	c := stream.Chunk{Seq: p.SeqNum, Payload: p.ResultChunk, Last: p.Last}
	if p.Status != nil {
		c.Code = p.Status.Code
		c.Message = p.Status.Message
	}
	return c, nil
}

// Close cancels the call. It is safe to call more than once.
func (s *ResultStream) Close() {
	s.cancel()
}

// bearerToken injects the query token as call metadata.
type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "bearer " + string(t)}, nil
}

func (t bearerToken) RequireTransportSecurity() bool {
	return false
}

func clientCodeToLevel(code codes.Code) logging.Level {
	if code == codes.OK {
		return logging.LevelDebug
	}
	return logging.LevelWarn
}

func interceptorLogger(l logger.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		zapFields := make([]zap.Field, 0, len(fields)/2)
		iter := logging.Fields(fields).Iterator()
		for iter.Next() {
			k, v := iter.At()
			zapFields = append(zapFields, zap.Any(k, v))
		}

		switch lvl {
		case logging.LevelDebug:
			l.DebugWithContext(ctx, msg, zapFields...)
		case logging.LevelInfo:
			l.InfoWithContext(ctx, msg, zapFields...)
		case logging.LevelWarn:
			l.WarnWithContext(ctx, msg, zapFields...)
		default:
			l.ErrorWithContext(ctx, msg, zapFields...)
		}
	})
}
