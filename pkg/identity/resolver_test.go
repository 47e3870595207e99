package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartrics/iotics-sparql-http/internal/mocks"
	"github.com/smartrics/iotics-sparql-http/pkg/identity"
)

func TestHostURL(t *testing.T) {
	require.Equal(t, "https://space.iotics.space", identity.HostURL("space.iotics.space"))
	require.Equal(t, "https://space.iotics.space", identity.HostURL(" space.iotics.space/ "))
	require.Equal(t, "http://127.0.0.1:9000", identity.HostURL("http://127.0.0.1:9000"))
}

func TestDiscoverResolver(t *testing.T) {
	server := mocks.NewResolverServer()
	defer server.Close()

	resolver, err := identity.DiscoverResolver(context.Background(), identity.NewHTTPClient(0, time.Second), server.URL)
	require.NoError(t, err)
	require.Equal(t, server.URL, resolver)
}

func TestDiscoverResolverErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "not_found", status: http.StatusNotFound, wantErr: "unexpected status code getting host index: 404"},
		{name: "invalid_json", status: http.StatusOK, body: "{", wantErr: "failed parsing host index"},
		{name: "missing_resolver", status: http.StatusOK, body: `{"version":"1"}`, wantErr: "missing resolver value"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
				_, _ = w.Write([]byte(test.body))
			}))
			defer server.Close()

			_, err := identity.DiscoverResolver(context.Background(), identity.NewHTTPClient(0, time.Second), server.URL)
			require.EqualError(t, err, test.wantErr)
		})
	}
}

func TestNewResolverRegistrarRejectsBadURL(t *testing.T) {
	_, err := identity.NewResolverRegistrar("://resolver")
	require.Error(t, err)
}
