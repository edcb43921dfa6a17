// Package errors classifies errors that should be retried rather than
// treated as fatal — specifically timeouts, whether they surface as a
// plain context deadline, a wrapped TimeoutError, or a gRPC DeadlineExceeded
// status from a worker RPC.
package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError names the operation and, when known, the shard it was
// attempted against.
type TimeoutError struct {
	Op      string
	ShardID string
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.ShardID == "" {
		return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("timeout: %s (shard %s): %v", e.Op, e.ShardID, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError wraps err as a TimeoutError for op against shardID.
// shardID may be empty when the operation isn't shard-scoped.
func NewTimeoutError(op, shardID string, err error) *TimeoutError {
	return &TimeoutError{Op: op, ShardID: shardID, Err: err}
}

// IsTimeout reports whether err is a timeout: a *TimeoutError, a
// context.DeadlineExceeded (possibly wrapped), or a gRPC status carrying
// codes.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	s, ok := status.FromError(err)
	return ok && s.Code() == codes.DeadlineExceeded
}
