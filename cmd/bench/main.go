package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 5000, "messages")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "message size bytes")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var failed, unacked atomic.Int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func() {
			defer wg.Done()
			defer func() { <-ch }()
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
			resp, err := client.Post(*addr+"/send", "application/octet-stream", bytes.NewReader(payload))
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusNoContent:
			case http.StatusBadGateway:
				unacked.Add(1)
			default:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d sends in %s (%.2f msgs/s), %d unacknowledged, %d failed\n",
		*n, dur, float64(*n)/dur.Seconds(), unacked.Load(), failed.Load())
}
