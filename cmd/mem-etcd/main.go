// Command mem-etcd runs an in-memory, etcd v3 wire-compatible key/value
// store: no Raft, no disk-backed B-tree, just the block deque + per-prefix
// WAL + notify pipeline engine in internal/mvcc behind the four etcd gRPC
// services in internal/server.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"

	"github.com/bchess/mem-etcd/internal/metrics"
	"github.com/bchess/mem-etcd/internal/mvcc"
	"github.com/bchess/mem-etcd/internal/server"
	"github.com/bchess/mem-etcd/internal/wal"
)

func main() {
	log := logrus.StandardLogger()

	port := flag.Int("port", envInt("ETCD_PORT", 2379), "gRPC listen port")
	metricsPort := flag.Int("metrics-port", envInt("ETCD_METRICS_PORT", 9000), "Prometheus metrics listen port")
	walDir := flag.String("wal-dir", envString("ETCD_WAL_DIR", "./wal"), "WAL directory path")
	walDefault := flag.String("wal-default", envString("ETCD_WAL_DEFAULT", "buffered"), "default WAL mode for prefixes without an override: none|buffered|fsync")
	noWritePrefixes := flag.StringSlice("wal-no-write-prefix", envStringSlice("ETCD_WAL_NO_WRITE_PREFIX"), "key prefixes to keep entirely out of the WAL")
	flag.Parse()

	defaultMode, err := parseWalMode(*walDefault)
	if err != nil {
		log.Fatal(err)
	}

	var noPersist [][]byte
	for _, p := range *noWritePrefixes {
		noPersist = append(noPersist, []byte(p))
	}

	store, err := mvcc.New(&mvcc.WALSettings{
		Dir:               *walDir,
		DefaultMode:       defaultMode,
		LoadExisting:      true,
		NoPersistPrefixes: noPersist,
	}, log)
	if err != nil {
		log.Fatalf("failed to start store: %v", err)
	}

	// etcd starts with the current revision at 1; the dummy key takes
	// revision 1, so the first real key lands on revision 2 as on a fresh
	// etcd.
	if _, _, err := store.Set(context.Background(), []byte("~"), []byte(""), nil); err != nil {
		log.Fatalf("failed to write bootstrap key: %v", err)
	}

	go serveMetrics(*metricsPort, store, log)

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(*port))
	if err != nil {
		log.Fatalf("failed to listen on port %d: %v", *port, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(100),
		grpc.UnaryInterceptor(server.UnaryMetricsInterceptor),
		grpc.StreamInterceptor(server.StreamMetricsInterceptor),
	)
	etcdserverpb.RegisterKVServer(grpcServer, server.NewKVServer(store))
	etcdserverpb.RegisterMaintenanceServer(grpcServer, server.NewMaintenanceServer(store))
	etcdserverpb.RegisterLeaseServer(grpcServer, server.NewLeaseServer())
	etcdserverpb.RegisterWatchServer(grpcServer, server.NewWatchServer(store, log))

	log.Infof("starting gRPC server on %s", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("gRPC server stopped: %v", err)
	}
}

// serveMetrics refreshes the store-derived gauges just before each scrape,
// the same spot the reference engine's /metrics handler updates them from
// inside its own Axum route closure, then delegates to promhttp.
func serveMetrics(port int, store *mvcc.Store, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.RevisionCount.Set(float64(store.CurrentRevision()))
		metrics.CompactedRevisionCount.Set(float64(store.CompactedRevision()))
		metrics.WatcherCount.Set(float64(store.WatcherCount()))
		promhttp.Handler().ServeHTTP(w, r)
	}))

	addr := ":" + strconv.Itoa(port)
	log.Infof("starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("metrics server stopped: %v", err)
	}
}

func parseWalMode(s string) (wal.Mode, error) {
	switch strings.ToLower(s) {
	case "none":
		return wal.ModeNone, nil
	case "buffered":
		return wal.ModeAsync, nil
	case "fsync":
		return wal.ModeSync, nil
	default:
		return wal.ModeNone, errUnknownWalMode(s)
	}
}

type errUnknownWalMode string

func (e errUnknownWalMode) Error() string {
	return "unknown --wal-default value " + strconv.Quote(string(e)) + ", want none|buffered|fsync"
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envStringSlice(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	return strings.Fields(v)
}
