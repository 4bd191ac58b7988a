package server

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/bchess/mem-etcd/internal/metrics"
)

func TestUnaryMetricsInterceptorRecordsCountAndPassesThrough(t *testing.T) {
	before := testutil.ToFloat64(metrics.RequestCount.WithLabelValues("Range"))

	info := &grpc.UnaryServerInfo{FullMethod: "/etcdserverpb.KV/Range"}
	resp, err := UnaryMetricsInterceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "resp", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)

	after := testutil.ToFloat64(metrics.RequestCount.WithLabelValues("Range"))
	assert.Equal(t, before+1, after)
}

func TestUnaryMetricsInterceptorPropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("boom")
	info := &grpc.UnaryServerInfo{FullMethod: "/etcdserverpb.KV/Put"}
	_, err := UnaryMetricsInterceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestMethodLabelTakesLastPathSegment(t *testing.T) {
	assert.Equal(t, "Range", methodLabel("/etcdserverpb.KV/Range"))
}
