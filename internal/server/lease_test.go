package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLeaseGrantAssignsIDWhenNotProvided(t *testing.T) {
	ls := NewLeaseServer()
	resp, err := ls.LeaseGrant(context.Background(), &etcdserverpb.LeaseGrantRequest{TTL: 60})
	require.NoError(t, err)
	assert.NotZero(t, resp.ID)
	assert.Equal(t, int64(60), resp.TTL)
}

func TestLeaseGrantEchoesRequestedID(t *testing.T) {
	ls := NewLeaseServer()
	resp, err := ls.LeaseGrant(context.Background(), &etcdserverpb.LeaseGrantRequest{ID: 42, TTL: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.ID)
}

func TestLeaseRevokeSucceeds(t *testing.T) {
	ls := NewLeaseServer()
	_, err := ls.LeaseRevoke(context.Background(), &etcdserverpb.LeaseRevokeRequest{ID: 1})
	require.NoError(t, err)
}

func TestLeaseTimeToLiveUnimplemented(t *testing.T) {
	ls := NewLeaseServer()
	_, err := ls.LeaseTimeToLive(context.Background(), &etcdserverpb.LeaseTimeToLiveRequest{ID: 1})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestLeaseLeasesUnimplemented(t *testing.T) {
	ls := NewLeaseServer()
	_, err := ls.LeaseLeases(context.Background(), &etcdserverpb.LeaseLeasesRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
