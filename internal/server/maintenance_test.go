package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bchess/mem-etcd/internal/mvcc"
)

func newTestMaintenance(t *testing.T) *MaintenanceServer {
	t.Helper()
	store, err := mvcc.New(nil, nil)
	require.NoError(t, err)
	return NewMaintenanceServer(store)
}

func TestMaintenanceStatusReportsVersion(t *testing.T) {
	ms := newTestMaintenance(t)
	resp, err := ms.Status(context.Background(), &etcdserverpb.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, serverVersion, resp.Version)
}

func TestMaintenanceAlarmReturnsEmpty(t *testing.T) {
	ms := newTestMaintenance(t)
	resp, err := ms.Alarm(context.Background(), &etcdserverpb.AlarmRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Alarms)
}

func TestMaintenanceDefragmentSucceeds(t *testing.T) {
	ms := newTestMaintenance(t)
	_, err := ms.Defragment(context.Background(), &etcdserverpb.DefragmentRequest{})
	require.NoError(t, err)
}

func TestMaintenanceHashUnimplemented(t *testing.T) {
	ms := newTestMaintenance(t)
	_, err := ms.Hash(context.Background(), &etcdserverpb.HashRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
