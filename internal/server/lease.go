package server

import (
	"context"
	"io"
	"sync/atomic"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LeaseServer implements just enough of etcd's Lease service to satisfy
// clients that probe it before falling back to plain unleased keys, per
// lease_service.rs: grants are echoed back (or assigned a locally-unique ID)
// but never tracked or expired, revoke is a no-op, and TTL/listing queries
// are left unimplemented.
type LeaseServer struct {
	etcdserverpb.UnimplementedLeaseServer
	nextID atomic.Int64
}

func NewLeaseServer() *LeaseServer {
	return &LeaseServer{}
}

func (s *LeaseServer) LeaseGrant(ctx context.Context, req *etcdserverpb.LeaseGrantRequest) (*etcdserverpb.LeaseGrantResponse, error) {
	id := req.ID
	if id == 0 {
		id = s.nextID.Add(1)
	}
	return &etcdserverpb.LeaseGrantResponse{
		Header: &etcdserverpb.ResponseHeader{},
		ID:     id,
		TTL:    req.TTL,
	}, nil
}

func (s *LeaseServer) LeaseRevoke(ctx context.Context, req *etcdserverpb.LeaseRevokeRequest) (*etcdserverpb.LeaseRevokeResponse, error) {
	return &etcdserverpb.LeaseRevokeResponse{Header: &etcdserverpb.ResponseHeader{}}, nil
}

func (s *LeaseServer) LeaseTimeToLive(ctx context.Context, req *etcdserverpb.LeaseTimeToLiveRequest) (*etcdserverpb.LeaseTimeToLiveResponse, error) {
	return nil, status.Error(codes.Unimplemented, "lease_time_to_live is not implemented")
}

func (s *LeaseServer) LeaseLeases(ctx context.Context, req *etcdserverpb.LeaseLeasesRequest) (*etcdserverpb.LeaseLeasesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "lease_leases is not implemented")
}

// LeaseKeepAlive answers the first request with exactly one response and
// then returns, which ends the stream, matching the reference engine's
// single-shot keep-alive stub.
func (s *LeaseServer) LeaseKeepAlive(stream etcdserverpb.Lease_LeaseKeepAliveServer) error {
	req, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return stream.Send(&etcdserverpb.LeaseKeepAliveResponse{
		Header: &etcdserverpb.ResponseHeader{},
		ID:     req.ID,
	})
}
