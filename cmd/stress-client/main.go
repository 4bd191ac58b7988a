// Command stress-client hammers a running mem-etcd (or any etcd v3
// endpoint) with concurrent Puts followed by a sweep of Range queries,
// reporting wall-clock timing for the range sweep.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	flag "github.com/spf13/pflag"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const concurrencyLimit = 100

func main() {
	addr := flag.String("addr", "localhost:2379", "etcd gRPC address")
	keys := flag.Int("keys", 100_000, "number of keys to use")
	iterations := flag.Int("iterations", 10, "number of put iterations to run")
	threads := flag.Int("threads", 4, "number of gRPC client connections to spread load across")
	prompt := flag.Bool("prompt", false, "wait for Enter before starting the range sweep")
	flag.Parse()

	clients := make([]etcdserverpb.KVClient, *threads)
	for i := range clients {
		conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *addr, err)
			os.Exit(1)
		}
		defer conn.Close()
		clients[i] = etcdserverpb.NewKVClient(conn)
	}

	value := make([]byte, 4096)
	copy(value, "hello")

	numKeys, numIterations := *keys, *iterations
	fmt.Printf("Starting to put %d keys %d times\n", numKeys, numIterations)
	for i := 0; i < numIterations; i++ {
		putAll(context.Background(), clients, numKeys, value)
		fmt.Printf("Done writing %d keys\n", (i+1)*numKeys)
	}
	fmt.Printf("Done writing %d keys in %d iterations\n", numKeys*numIterations, numIterations)

	if *prompt {
		fmt.Println("Press Enter to continue...")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	}

	fmt.Println("Doing range queries")
	rangeSweep(context.Background(), clients, numKeys, numIterations)
}

func putAll(ctx context.Context, clients []etcdserverpb.KVClient, keys int, value []byte) {
	sem := make(chan struct{}, concurrencyLimit)
	var wg sync.WaitGroup
	wg.Add(keys)
	for i := 0; i < keys; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			client := clients[i%len(clients)]
			_, err := client.Put(ctx, &etcdserverpb.PutRequest{
				Key:   []byte(fmt.Sprintf("/registry/minions/node-%d", i)),
				Value: value,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}(i)
	}
	wg.Wait()
}

func rangeSweep(ctx context.Context, clients []etcdserverpb.KVClient, keys, iterations int) {
	start := time.Now()
	requestCount := 0
	for i := 0; i < keys; i += 500 {
		client := clients[i%len(clients)]
		resp, err := client.Range(ctx, &etcdserverpb.RangeRequest{
			Key:      []byte(fmt.Sprintf("/registry/minions/node-%d", i)),
			RangeEnd: []byte("/registry/minions/z"),
			Revision: int64((iterations - 2) * keys),
			Limit:    500,
		})
		requestCount++
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Printf("Range query for %d keys returned %d kvs\n", 500, len(resp.Kvs))
	}
	duration := time.Since(start)
	var avg time.Duration
	if requestCount > 0 {
		avg = duration / time.Duration(requestCount)
	}
	fmt.Printf("Done range queries. Duration: %s, or avg %s per request\n", duration, avg)
}
