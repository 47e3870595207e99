// Package health contains the handlers that report the health of the gateway.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	StatusOK         = "OK"
	StatusNotServing = "NOT_SERVING"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

// Response is the body of health responses.
type Response struct {
	Status string `json:"status"`
}

// Checker answers health checks. Without a TargetService it only reports
// that the process is serving HTTP.
type Checker struct {
	TargetService
}

var _ http.Handler = (*Checker)(nil)

func (o *Checker) Check(ctx context.Context) (string, error) {
	if o.TargetService == nil {
		return StatusOK, nil
	}
	ready, err := o.IsReady(ctx)
	if err != nil || !ready {
		return StatusNotServing, err
	}
	return StatusOK, nil
}

func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, _ := o.Check(r.Context())

	code := http.StatusOK
	if status != StatusOK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Status: status})
}
