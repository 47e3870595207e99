package mocks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

const discoverPath = "/1.0/discover/"

// ResolverServer is a mock IOTICS host. It serves the host index pointing at
// itself and acts as the DID resolver: registered document tokens are kept by
// DID and handed back on discovery. You must call Close afterward.
type ResolverServer struct {
	*httptest.Server

	mu         sync.Mutex
	history    []string
	documents  map[string]string
	failStatus int
	failCount  int
}

func NewResolverServer() *ResolverServer {
	s := &ResolverServer{documents: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"resolver": s.URL + "/",
			"version":  "mock",
		})
	})
	mux.HandleFunc("/1.0/register", s.register)
	mux.HandleFunc(discoverPath, s.discover)

	s.Server = httptest.NewServer(mux)
	return s
}

func (s *ResolverServer) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	token := strings.TrimSpace(string(body))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount > 0 {
		s.failCount--
		writeResolverError(w, s.failStatus, "registration rejected")
		return
	}

	did := documentDID(token)
	if did == "" {
		writeResolverError(w, http.StatusBadRequest, "document token without id")
		return
	}
	s.history = append(s.history, token)
	s.documents[did] = token
	w.WriteHeader(http.StatusOK)
}

func (s *ResolverServer) discover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	did, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), discoverPath))
	if err != nil {
		writeResolverError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	token, ok := s.documents[did]
	s.mu.Unlock()
	if !ok {
		writeResolverError(w, http.StatusNotFound, "document not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// documentDID reads the id of the document carried by a registration token,
// falling back to the DID part of its issuer.
func documentDID(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if doc, ok := claims["doc"].(map[string]interface{}); ok {
		if id, ok := doc["id"].(string); ok && id != "" {
			return id
		}
	}
	iss, _ := claims["iss"].(string)
	did, _, _ := strings.Cut(iss, "#")
	return did
}

func writeResolverError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// FailNext makes the next n registrations respond with status.
func (s *ResolverServer) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failStatus = status
}

// Documents returns every accepted document token in registration order.
func (s *ResolverServer) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// DIDs returns the sorted DIDs the resolver holds a document for.
func (s *ResolverServer) DIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dids := make([]string, 0, len(s.documents))
	for did := range s.documents {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

// Registered reports whether the resolver holds a document for did.
func (s *ResolverServer) Registered(did string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.documents[did]
	return ok
}
