//go:build ignore
// +build ignore

// Enqueue load test: floods the control API with synthetic messages and
// measures admission throughput, then optionally waits for the queue to
// drain so dispatch throughput falls out of the timing.
//
// Requires a running server and a stub SMTP sink (or a tenant account
// pointing at one); every message carries an inline payload so no
// attachment fetching happens.
//
// Usage:
//
//	go run scripts/enqueue_loadtest.go \
//	  --api=http://localhost:8080 \
//	  --token=$MAILROOM_API_TOKEN \
//	  --tenant=loadtest \
//	  --count=100000 --batch=500 --concurrency=8 --wait-drain
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

func main() {
	api := flag.String("api", "http://localhost:8080", "control API base URL")
	token := flag.String("token", "", "API token")
	tenant := flag.String("tenant", "loadtest", "tenant id to enqueue under")
	account := flag.String("account", "", "account id, empty uses the tenant/service default")
	count := flag.Int("count", 10000, "total messages to enqueue")
	batch := flag.Int("batch", 500, "messages per add-messages call")
	concurrency := flag.Int("concurrency", 4, "parallel submitters")
	bodyBytes := flag.Int("body-bytes", 1024, "payload body size per message")
	waitDrain := flag.Bool("wait-drain", false, "poll /status until the queue is empty")
	flag.Parse()

	if *token == "" {
		log.Fatal("--token is required")
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	filler := make([]byte, *bodyBytes)
	for i := range filler {
		filler[i] = 'a' + byte(i%26)
	}

	var queued, rejected int64
	batches := make(chan []map[string]interface{})

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msgs := range batches {
				q, rej, err := post(client, *api, *token, *tenant, msgs)
				if err != nil {
					log.Printf("add-messages failed: %v", err)
					continue
				}
				atomic.AddInt64(&queued, int64(q))
				atomic.AddInt64(&rejected, int64(rej))
			}
		}()
	}

	run := uuid.New().String()[:8]
	start := time.Now()
	pending := make([]map[string]interface{}, 0, *batch)
	for i := 0; i < *count; i++ {
		msg := map[string]interface{}{
			"id":      fmt.Sprintf("load-%s-%07d", run, i),
			"from":    "loadtest@example.com",
			"to":      []string{fmt.Sprintf("sink+%07d@example.com", i)},
			"subject": fmt.Sprintf("load test %d", i),
			"body":    string(filler),
		}
		if *account != "" {
			msg["account_id"] = *account
		}
		pending = append(pending, msg)
		if len(pending) == *batch {
			batches <- pending
			pending = make([]map[string]interface{}, 0, *batch)
		}
	}
	if len(pending) > 0 {
		batches <- pending
	}
	close(batches)
	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("enqueued %d messages (%d rejected) in %s: %.0f msg/s",
		queued, rejected, elapsed.Round(time.Millisecond),
		float64(queued)/elapsed.Seconds())

	if !*waitDrain {
		return
	}

	drainStart := time.Now()
	for {
		depth, err := queueDepth(client, *api, *token)
		if err != nil {
			log.Fatalf("status poll: %v", err)
		}
		if depth == 0 {
			break
		}
		log.Printf("queue depth %d", depth)
		time.Sleep(2 * time.Second)
	}
	drain := time.Since(drainStart)
	log.Printf("queue drained in %s: %.0f msg/s dispatched",
		drain.Round(time.Millisecond), float64(queued)/drain.Seconds())
}

func post(client *http.Client, api, token, tenant string, msgs []map[string]interface{}) (queued, rejected int, err error) {
	body, err := json.Marshal(map[string]interface{}{"tenant_id": tenant, "messages": msgs})
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequest(http.MethodPost, api+"/commands/add-messages", bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, 0, fmt.Errorf("status %d: %s", resp.StatusCode, b)
	}

	var res struct {
		Queued   int                      `json:"queued"`
		Rejected []map[string]interface{} `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, 0, err
	}
	return res.Queued, len(res.Rejected), nil
}

func queueDepth(client *http.Client, api, token string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, api+"/status", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-API-Token", token)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var res struct {
		Queue struct {
			Pending int `json:"pending"`
		} `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.Queue.Pending, nil
}
