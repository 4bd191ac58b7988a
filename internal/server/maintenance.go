package server

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bchess/mem-etcd/internal/metrics"
	"github.com/bchess/mem-etcd/internal/mvcc"
)

// serverVersion must stay >= 3.5.13 so Kubernetes API servers enable the
// watch-progress-request path against this server, per maintenance_service.rs.
const serverVersion = "3.5.16"

// MaintenanceServer implements the subset of etcd's Maintenance service that
// real clients (chiefly Kubernetes API servers) actually probe: Status,
// Alarm, Defragment. Hash/HashKV/Snapshot/MoveLeader/Downgrade are
// unimplemented, matching maintenance_service.rs.
type MaintenanceServer struct {
	etcdserverpb.UnimplementedMaintenanceServer
	store *mvcc.Store
}

func NewMaintenanceServer(store *mvcc.Store) *MaintenanceServer {
	return &MaintenanceServer{store: store}
}

func (s *MaintenanceServer) Alarm(ctx context.Context, req *etcdserverpb.AlarmRequest) (*etcdserverpb.AlarmResponse, error) {
	return &etcdserverpb.AlarmResponse{
		Header: &etcdserverpb.ResponseHeader{Revision: s.store.CurrentRevision()},
		Alarms: nil,
	}, nil
}

func (s *MaintenanceServer) Status(ctx context.Context, req *etcdserverpb.StatusRequest) (*etcdserverpb.StatusResponse, error) {
	dbSize := int64(metrics.GaugeValue(metrics.TreeMapSizeBytes))
	return &etcdserverpb.StatusResponse{
		Header:      &etcdserverpb.ResponseHeader{Revision: s.store.CurrentRevision()},
		Version:     serverVersion,
		DbSize:      dbSize,
		DbSizeInUse: dbSize,
	}, nil
}

func (s *MaintenanceServer) Defragment(ctx context.Context, req *etcdserverpb.DefragmentRequest) (*etcdserverpb.DefragmentResponse, error) {
	return &etcdserverpb.DefragmentResponse{Header: &etcdserverpb.ResponseHeader{Revision: s.store.CurrentRevision()}}, nil
}

func (s *MaintenanceServer) Hash(ctx context.Context, req *etcdserverpb.HashRequest) (*etcdserverpb.HashResponse, error) {
	return nil, status.Error(codes.Unimplemented, "hash is not implemented")
}

func (s *MaintenanceServer) HashKV(ctx context.Context, req *etcdserverpb.HashKVRequest) (*etcdserverpb.HashKVResponse, error) {
	return nil, status.Error(codes.Unimplemented, "hash_kv is not implemented")
}

func (s *MaintenanceServer) Snapshot(req *etcdserverpb.SnapshotRequest, stream etcdserverpb.Maintenance_SnapshotServer) error {
	return status.Error(codes.Unimplemented, "snapshot is not implemented")
}

func (s *MaintenanceServer) MoveLeader(ctx context.Context, req *etcdserverpb.MoveLeaderRequest) (*etcdserverpb.MoveLeaderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "move_leader is not implemented")
}

func (s *MaintenanceServer) Downgrade(ctx context.Context, req *etcdserverpb.DowngradeRequest) (*etcdserverpb.DowngradeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "downgrade is not implemented")
}
