package server

import (
	"context"
	"path"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/bchess/mem-etcd/internal/metrics"
)

// UnaryMetricsInterceptor records per-method request counts, latency, and
// in-flight gauge, standing in for the reference engine's tower
// InFlightRequestsLayer plus its request_count/request_latency_seconds
// counters around every service call.
func UnaryMetricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	label := methodLabel(info.FullMethod)
	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()
	timer := prometheus.NewTimer(metrics.RequestLatencySeconds.WithLabelValues(label))
	defer timer.ObserveDuration()

	resp, err := handler(ctx, req)
	metrics.RequestCount.WithLabelValues(label).Inc()
	return resp, err
}

// StreamMetricsInterceptor is the streaming counterpart, covering Watch and
// LeaseKeepAlive: in-flight/latency are measured for the stream's whole
// lifetime rather than per-message.
func StreamMetricsInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	label := methodLabel(info.FullMethod)
	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()
	timer := prometheus.NewTimer(metrics.RequestLatencySeconds.WithLabelValues(label))
	defer timer.ObserveDuration()

	err := handler(srv, ss)
	metrics.RequestCount.WithLabelValues(label).Inc()
	return err
}

func methodLabel(fullMethod string) string {
	return path.Base(fullMethod)
}
