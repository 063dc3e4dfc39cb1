package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/accelkit/npu-dispatch/pkg/server"
	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

// loadtest hammers a running npud with single-tensor frames over the /infer
// websocket and reports latency percentiles.
func main() {
	addr := flag.String("addr", "ws://localhost:8080/infer", "npud inference endpoint")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent connections")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	jsonOut := flag.Bool("json", false, "Emit the summary as JSON")
	flag.Parse()

	log.Printf("load test starting: addr=%s, concurrency=%d, duration=%v", *addr, *concurrency, *duration)

	input := tensor.New(1)
	input.Tensors[0] = tensor.Tensor{
		Name:  "input",
		Type:  tensor.Uint8,
		Shape: []int64{1, 3, 224, 224},
		Data:  make([]byte, 3*224*224),
	}
	frame := server.EncodeBundle(input)

	var (
		totalRequests atomic.Int64
		totalErrors   atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
			if err != nil {
				log.Printf("client %d: dial failed: %v", clientID, err)
				totalErrors.Add(1)
				return
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				reqStart := time.Now()
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					totalErrors.Add(1)
					return
				}
				mt, data, err := conn.ReadMessage()
				if err != nil {
					totalErrors.Add(1)
					return
				}
				if mt != websocket.BinaryMessage {
					log.Printf("client %d: server error: %s", clientID, data)
					totalErrors.Add(1)
					continue
				}
				if _, err := server.DecodeBundle(data); err != nil {
					totalErrors.Add(1)
					continue
				}

				elapsed := time.Since(reqStart)
				totalRequests.Add(1)

				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	mu.Lock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	mu.Unlock()

	total := totalRequests.Load()
	errCount := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()

	type summary struct {
		Duration    string  `json:"duration"`
		Concurrency int     `json:"concurrency"`
		Requests    int64   `json:"requests"`
		Errors      int64   `json:"errors"`
		Throughput  float64 `json:"throughput_rps"`
		P50         string  `json:"p50,omitempty"`
		P95         string  `json:"p95,omitempty"`
		P99         string  `json:"p99,omitempty"`
		Max         string  `json:"max,omitempty"`
	}
	s := summary{
		Duration:    elapsed.Round(time.Millisecond).String(),
		Concurrency: *concurrency,
		Requests:    total,
		Errors:      errCount,
		Throughput:  throughput,
	}
	if len(latencies) > 0 {
		s.P50 = latencies[len(latencies)*50/100].String()
		s.P95 = latencies[len(latencies)*95/100].String()
		s.P99 = latencies[len(latencies)*99/100].String()
		s.Max = latencies[len(latencies)-1].String()
	}

	if *jsonOut {
		data, err := sonnet.Marshal(s)
		if err != nil {
			log.Fatalf("marshaling summary: %v", err)
		}
		os.Stdout.Write(append(data, '\n'))
		return
	}

	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Println("   LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %s\n", s.Duration)
	fmt.Printf("   Concurrency:   %d\n", s.Concurrency)
	fmt.Printf("   Total Reqs:    %d\n", s.Requests)
	fmt.Printf("   Errors:        %d\n", s.Errors)
	fmt.Printf("   Throughput:    %.1f req/sec\n", s.Throughput)
	if len(latencies) > 0 {
		fmt.Println("   Latency Percentiles:")
		fmt.Printf("      p50:  %s\n", s.P50)
		fmt.Printf("      p95:  %s\n", s.P95)
		fmt.Printf("      p99:  %s\n", s.P99)
		fmt.Printf("      max:  %s\n", s.Max)
	}
}
