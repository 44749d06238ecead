package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"lamport-multicast/internal/clock"
	"lamport-multicast/internal/logger"
	"lamport-multicast/internal/message"
	"lamport-multicast/internal/multicast"
	"lamport-multicast/internal/transport"
)

type result struct {
	orders   [][]string
	pending  int
	failures int
	sent     int
	dropped  int
}

func main() {
	n := flag.Int("n", 3, "Number of processes")
	count := flag.Int("messages", 5, "Messages multicast by each process")
	loss := flag.Float64("loss", 0.2, "Probability that a frame is dropped")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for frame loss")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}
	if *n < 1 || *loss < 0 || *loss >= 1 {
		fmt.Println("Error: -n must be positive and -loss in [0, 1)")
		flag.Usage()
		os.Exit(1)
	}

	res := run(*n, *count, *loss, *seed, logger.New(level))

	for id, order := range res.orders {
		fmt.Printf("process %d delivered %d: %s\n", id, len(order), strings.Join(order, " "))
	}
	fmt.Printf("frames sent=%d dropped=%d, discarded=%d failures=%d\n", res.sent, res.dropped, res.pending, res.failures)
	if !agree(res.orders) {
		fmt.Println("delivery orders DIFFER")
		os.Exit(1)
	}
	fmt.Println("all processes agree on delivery order")
}

func run(n, count int, loss float64, seed int64, log *slog.Logger) result {
	net := transport.NewNetwork()
	rng := rand.New(rand.NewSource(seed))
	var rngMu sync.Mutex
	net.SetDrop(func(from, to int, _ []byte) bool {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Float64() < loss
	})

	cfg := multicast.Config{
		AckTimeout:    40 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		MaxRetries:    50,
		ShutdownGrace: 200 * time.Millisecond,
	}

	everyone := make([]int, n)
	for i := range everyone {
		everyone[i] = i
	}

	nodes := make([]*multicast.ReliableMulticast, n)
	delivered := make([][]*message.Data, n)
	for id := 0; id < n; id++ {
		nodes[id] = multicast.New(id, clock.New(), net.Endpoint(id),
			multicast.WithConfig(cfg),
			multicast.WithLogger(log),
			multicast.WithPeers(everyone...),
		)
		net.Register(id, nodes[id].OnReceive)
		nodes[id].Start()
	}

	var wg sync.WaitGroup
	for id, rm := range nodes {
		wg.Add(1)
		go func(id int, rm *multicast.ReliableMulticast) {
			defer wg.Done()
			for i := 0; i < count; i++ {
				if _, err := rm.Multicast(fmt.Sprintf("p%d.%d", id, i), everyone); err != nil {
					log.Error("multicast failed", "process", id, "error", err)
				}
			}
		}(id, rm)
	}
	wg.Wait()

	want := n * count
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for id, rm := range nodes {
			delivered[id] = append(delivered[id], rm.PollDelivered()...)
			if len(delivered[id]) < want {
				done = false
			}
		}
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var res result
	for id, rm := range nodes {
		discarded, _ := rm.Close(context.Background())
		res.pending += discarded
		res.failures += len(rm.PollFailures())
		delivered[id] = append(delivered[id], rm.PollDelivered()...)

		order := make([]string, len(delivered[id]))
		for i, m := range delivered[id] {
			order[i] = m.Payload
		}
		res.orders = append(res.orders, order)
		for _, peer := range everyone {
			if peer != id {
				res.sent += net.Sent(id, peer)
				res.dropped += net.Dropped(id, peer)
			}
		}
	}
	return res
}

// agree reports whether every order is a prefix-consistent copy of the
// longest one.
func agree(orders [][]string) bool {
	var longest []string
	for _, o := range orders {
		if len(o) > len(longest) {
			longest = o
		}
	}
	for _, o := range orders {
		for i := range o {
			if o[i] != longest[i] {
				return false
			}
		}
	}
	return true
}
