// Package errors defines the errors the gateway reports to HTTP clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const InternalServerErrorMsg = "Internal Server Error"

// ErrorResponse is the body of every non 2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ValidationError is a client error carrying the HTTP status it maps to.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	DatasetsNotAllowed       = &ValidationError{Status: http.StatusBadRequest, Message: "RDF datasets not allowed"}
	MissingQuery             = &ValidationError{Status: http.StatusBadRequest, Message: "missing query"}
	MissingContentType       = &ValidationError{Status: http.StatusBadRequest, Message: "missing content type"}
	InvalidContentType       = &ValidationError{Status: http.StatusBadRequest, Message: "invalid content type"}
	NoBearerToken            = &ValidationError{Status: http.StatusUnauthorized, Message: "Access Denied: no Bearer token provided"}
	UnprocessableBearerToken = &ValidationError{Status: http.StatusUnauthorized, Message: "Access Denied: unable to process Bearer token provided"}
	AnonymousAccessFailed    = &ValidationError{Status: http.StatusUnauthorized, Message: "Access Denied: unable to issue anonymous token"}
)

// AccessDenied rejects a token for reason.
func AccessDenied(reason string) *ValidationError {
	return &ValidationError{Status: http.StatusUnauthorized, Message: "Access Denied: " + reason}
}

func UnsupportedMimeType(accept string) *ValidationError {
	return &ValidationError{Status: http.StatusBadRequest, Message: "Unsupported response mime type: " + accept}
}

// InternalError is an unexpected failure. Its message names the step that
// failed followed by the cause.
type InternalError struct {
	public   string
	internal error
}

func (e InternalError) Error() string {
	if e.internal == nil {
		return e.public
	}
	return fmt.Sprintf("%s: %v", e.public, e.internal)
}

func (e InternalError) Unwrap() error {
	return e.internal
}

func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}
	return InternalError{public: public, internal: internal}
}

// HTTPStatus returns the status err is reported with.
func HTTPStatus(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Status
	}
	return http.StatusInternalServerError
}
