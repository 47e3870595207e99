package recovery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smartrics/iotics-sparql-http/internal/mocks"
	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
	"github.com/smartrics/iotics-sparql-http/pkg/middleware/recovery"
	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
	serverErrors "github.com/smartrics/iotics-sparql-http/pkg/server/errors"
)

func TestPanic(t *testing.T) {
	panicHandlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("Unexpected error!")
	})

	log, logs := logger.NewObserverLogger("info")
	handler := recovery.HTTPPanicRecoveryHandler(panicHandlerFunc, log)

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(resp, req)
	})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.Equal(t, "application/json", resp.Header().Get("content-type"))
	require.JSONEq(t, `{"message":"Internal Server Error"}`, resp.Body.String())
	require.Equal(t, 1, logs.FilterMessage("HTTPPanicRecoveryHandler has recovered a panic").Len())
}

func TestAbortHandlerIsRepanicked(t *testing.T) {
	handler := recovery.HTTPPanicRecoveryHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}), logger.NewNoopLogger())

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestStreamPanicInterceptor(t *testing.T) {
	srv := mocks.NewMetaAPIServer(func(*metaapi.SparqlQueryRequest) ([]*metaapi.SparqlQueryResponse, error) {
		panic("backend exploded")
	})
	client, cleanup := metaapi.SetupTestClientServer(t, srv)
	defer cleanup()

	results, err := client.SparqlQuery(context.Background(), metaapi.Query{
		Text:   "SELECT * WHERE { ?s ?p ?o }",
		Format: resultformat.SPARQLJSON,
		Token:  "token",
	})
	require.NoError(t, err)
	defer results.Close()

	_, err = results.Recv()
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, serverErrors.InternalServerErrorMsg, status.Convert(err).Message())
}
