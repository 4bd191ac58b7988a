// Package server adapts internal/mvcc.Store onto the etcd v3 gRPC wire
// protocol: KV, Watch, Lease, and Maintenance service shells. The engine
// itself never imports grpc — sentinel errors cross that boundary here and
// here only, unlike the reference engine's services, which sometimes
// constructed a tonic::Status deep inside store logic.
package server

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bchess/mem-etcd/internal/mvcc"
)

// toStatus maps internal/mvcc's sentinel errors to the gRPC codes etcd
// clients expect (OutOfRange for a read outside the retained/assigned
// revision range, InvalidArgument for a malformed range, Unavailable once
// the store is closed, Internal for anything else).
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mvcc.ErrCompacted), errors.Is(err, mvcc.ErrFutureRev):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, mvcc.ErrInvalidRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, mvcc.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
