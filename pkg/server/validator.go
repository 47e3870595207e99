package server

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smartrics/iotics-sparql-http/pkg/identity"
	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
	serverErrors "github.com/smartrics/iotics-sparql-http/pkg/server/errors"
	"github.com/smartrics/iotics-sparql-http/pkg/token"
)

const (
	queryParam        = "query"
	defaultGraphParam = "default-graph-uri"
	namedGraphParam   = "named-graph-uri"

	bearerPrefix = "Bearer "

	sparqlQueryContentType = "application/sparql-query"
	formContentType        = "application/x-www-form-urlencoded"
)

// TokenIssuer turns the bearer value of a request into a backend token.
type TokenIssuer interface {
	TokenFor(ctx context.Context, bearer string, d time.Duration) (string, error)
	DefaultToken(ctx context.Context, d time.Duration) (string, error)
}

var _ TokenIssuer = (*identity.Issuer)(nil)

// OutcomeKind says what a valid request asks for.
type OutcomeKind int

const (
	// Execute runs the query against the backend.
	Execute OutcomeKind = iota
	// Describe returns the service description.
	Describe
)

// ExecutionContext is what a validated request carries to the backend call.
type ExecutionContext struct {
	Token         string
	Format        resultformat.Format
	AgentDID      string
	AgentFragment string
	UserDID       string
}

type Outcome struct {
	Kind OutcomeKind
	Exec ExecutionContext
}

// RequestValidator admits or rejects SPARQL protocol requests. Checks run in
// a fixed order and the first failure is returned as a
// *serverErrors.ValidationError.
type RequestValidator struct {
	issuer           TokenIssuer
	anonymousEnabled bool
	tokenDuration    time.Duration
	now              func() time.Time
	logger           logger.Logger
}

func NewRequestValidator(issuer TokenIssuer, anonymousEnabled bool, tokenDuration time.Duration, l logger.Logger) *RequestValidator {
	return &RequestValidator{
		issuer:           issuer,
		anonymousEnabled: anonymousEnabled,
		tokenDuration:    tokenDuration,
		now:              time.Now,
		logger:           l,
	}
}

func (v *RequestValidator) Validate(r *http.Request) (Outcome, error) {
	params := r.URL.Query()

	if params.Has(defaultGraphParam) || params.Has(namedGraphParam) {
		return Outcome{}, serverErrors.DatasetsNotAllowed
	}

	kind, err := queryPresence(r)
	if err != nil {
		return Outcome{}, err
	}

	tok, err := v.bearerToken(r)
	if err != nil {
		return Outcome{}, err
	}

	claims, err := token.Parse(tok)
	if err != nil {
		return Outcome{}, serverErrors.AccessDenied(err.Error())
	}
	if ok, reason := claims.Validate(v.now()); !ok {
		return Outcome{}, serverErrors.AccessDenied(reason)
	}

	accept := r.Header.Get("Accept")
	format := resultformat.Negotiate(accept)
	if !format.Valid() {
		return Outcome{}, serverErrors.UnsupportedMimeType(firstMediaRange(accept))
	}

	return Outcome{
		Kind: kind,
		Exec: ExecutionContext{
			Token:         tok,
			Format:        format,
			AgentDID:      claims.AgentDID,
			AgentFragment: claims.AgentFragment,
			UserDID:       claims.UserDID,
		},
	}, nil
}

func queryPresence(r *http.Request) (OutcomeKind, error) {
	switch r.Method {
	case http.MethodGet:
		values, ok := r.URL.Query()[queryParam]
		if !ok {
			return Describe, nil
		}
		if len(values) == 0 || values[0] == "" {
			return Execute, serverErrors.MissingQuery
		}
	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		if strings.TrimSpace(ct) == "" {
			return Execute, serverErrors.MissingContentType
		}
		if mt := mediaType(ct); mt != sparqlQueryContentType && mt != formContentType {
			return Execute, serverErrors.InvalidContentType
		}
	}
	return Execute, nil
}

func (v *RequestValidator) bearerToken(r *http.Request) (string, error) {
	ctx := r.Context()
	header, present := r.Header["Authorization"]

	if !present && v.anonymousEnabled {
		tok, err := v.issuer.DefaultToken(ctx, v.tokenDuration)
		if err != nil {
			v.logger.WarnWithContext(ctx, "unable to issue anonymous token", zap.Error(err))
			return "", serverErrors.AnonymousAccessFailed
		}
		return tok, nil
	}

	if !present || len(header) == 0 || !strings.HasPrefix(header[0], bearerPrefix) {
		return "", serverErrors.NoBearerToken
	}

	bearer := strings.TrimPrefix(header[0], bearerPrefix)
	tok, err := v.issuer.TokenFor(ctx, bearer, v.tokenDuration)
	if err != nil {
		var de *identity.DelegationError
		if errors.As(err, &de) {
			v.logger.WarnWithContext(ctx, "unable to process delegated credential", logger.Fingerprint("credential", bearer), zap.Error(err))
		} else {
			v.logger.ErrorWithContext(ctx, "token issuer failed", zap.Error(err))
		}
		return "", serverErrors.UnprocessableBearerToken
	}
	return tok, nil
}

// mediaType strips parameters from a Content-Type value.
func mediaType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func firstMediaRange(accept string) string {
	first, _, _ := strings.Cut(accept, ",")
	first, _, _ = strings.Cut(first, ";")
	return strings.TrimSpace(first)
}
