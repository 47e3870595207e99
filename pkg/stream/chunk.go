package stream

import (
	"errors"
	"fmt"
	"time"
)

// ErrInterrupted is reported to the sink when a reassembly is abandoned
// before reaching a terminal state.
var ErrInterrupted = errors.New("query interrupted")

// Chunk is one numbered fragment of a backend result. Sequence numbers are
// dense and zero based within one query execution.
type Chunk struct {
	Seq     uint64
	Payload []byte
	Last    bool

	// Code is zero on success. Any other value fails the execution and
	// Message carries the backend's reason.
	Code    int32
	Message string
}

func (c Chunk) OK() bool {
	return c.Code == 0
}

// ChunkError is reported when the backend marks a chunk as failed.
type ChunkError struct {
	Seq     uint64
	Code    int32
	Message string
}

func (e *ChunkError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chunk %d failed with status %d", e.Seq, e.Code)
	}
	return e.Message
}

// IncompleteStreamError is reported when the backend ends the stream while
// chunks are still waiting for a lower sequence number.
type IncompleteStreamError struct {
	NextExpected uint64
	Pending      int
}

func (e *IncompleteStreamError) Error() string {
	return fmt.Sprintf("stream completed with %d chunk(s) pending, missing sequence number %d", e.Pending, e.NextExpected)
}

// IdleTimeoutError is reported when no chunk arrives within the idle timeout.
type IdleTimeoutError struct {
	Timeout time.Duration
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("no data received for %s", e.Timeout)
}

func (e *IdleTimeoutError) Unwrap() error {
	return ErrInterrupted
}
