package metaapi

import (
	"google.golang.org/grpc/status"
)

// Cause returns the backend's description of a failed call, falling back
// to the error text for errors that carry no gRPC status.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
