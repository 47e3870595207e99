package metaapi

import (
	"context"
	"net"
	"testing"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/middleware/recovery"
)

const testBufSize = 1024 * 1024

// SetupTestClientServer serves srv over an in-memory listener and returns a
// client connected to it. Handler panics surface as codes.Internal. This is exported for use in other test packages.
func SetupTestClientServer(t testing.TB, srv MetaAPIServer, opts ...func(*ClientConfig)) (*Client, func()) {
	lis := bufconn.Listen(testBufSize)
	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(Codec()),
		grpc.ChainStreamInterceptor(
			grpc_recovery.StreamServerInterceptor(
				grpc_recovery.WithRecoveryHandlerContext(recovery.PanicRecoveryHandler(logger.NewNoopLogger())),
			),
		),
	)
	RegisterMetaAPIServer(grpcServer, srv)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}

	config := ClientConfig{
		Addr:        "passthrough://bufnet",
		ClientAppID: "sparqlhttp-test",
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(bufDialer)},
	}
	for _, opt := range opts {
		opt(&config)
	}

	client, err := NewClient(config)
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		grpcServer.Stop()
	}

	return client, cleanup
}
