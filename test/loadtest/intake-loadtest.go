// Intake sync load test: each simulated patient device opens a session,
// types into the form field by field, submits, and reconnects for the next
// patient. One extra staff device counts the broadcasts it receives.
// Usage: go run test/loadtest/intake-loadtest.go -url ws://127.0.0.1:3000/api/socket -devices 50 -duration 60s
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexuvula/intakesync/internal/client"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/session"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:3000/api/socket", "Socket URL to connect to")
	devices := flag.Int("devices", 10, "Number of concurrent patient devices")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	keyInterval := flag.Duration("interval", 200*time.Millisecond, "Delay between field edits per device")
	token := flag.String("token", "", "Auth token (optional)")
	flag.Parse()

	fmt.Printf("Intake Sync Load Test\n")
	fmt.Printf("  URL:           %s\n", *url)
	fmt.Printf("  Devices:       %d\n", *devices)
	fmt.Printf("  Duration:      %s\n", *duration)
	fmt.Printf("  Edit interval: %s\n", *keyInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var header http.Header
	if *token != "" {
		header = http.Header{"Authorization": {"Bearer " + *token}}
	}

	var (
		connected    atomic.Int64
		created      atomic.Int64
		edits        atomic.Int64
		submitted    atomic.Int64
		received     atomic.Int64
		errs         atomic.Int64
		connectFails atomic.Int64
	)

	staff := client.New(*url, client.Options{
		Header:  header,
		OnEvent: func(protocol.Envelope) { received.Add(1) },
	})
	go staff.Run(ctx)
	defer staff.Close()

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *devices; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c := client.New(*url, client.Options{Header: header})
			defer c.Close()
			go c.Run(ctx)

			waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.WaitConnected(waitCtx)
			waitCancel()
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)

			ticker := time.NewTicker(*keyInterval)
			defer ticker.Stop()

			for patient := 0; ; patient++ {
				sid, err := c.CreateSession(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errs.Add(1)
					}
					return
				}
				created.Add(1)

				for _, field := range session.PatientFields {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					value := fmt.Sprintf("device-%d patient-%d", id, patient)
					if err := c.UpdateSession(ctx, sid, map[string]string{field: value}, ""); err != nil {
						if ctx.Err() == nil {
							errs.Add(1)
						}
						return
					}
					edits.Add(1)
				}

				if err := c.UpdateSession(ctx, sid, nil, session.StatusSubmitted); err != nil {
					if ctx.Err() == nil {
						errs.Add(1)
					}
					return
				}
				submitted.Add(1)
			}
		}(i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d created=%d edits=%d submitted=%d staff_recv=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), created.Load(), edits.Load(), submitted.Load(),
					received.Load(), errs.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *devices)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Sessions:        %d created, %d submitted\n", created.Load(), submitted.Load())
	fmt.Printf("  Field edits:     %d\n", edits.Load())
	fmt.Printf("  Staff received:  %d\n", received.Load())
	fmt.Printf("  Staff holds:     %d sessions\n", len(staff.Sessions()))
	fmt.Printf("  Errors:          %d\n", errs.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Edit rate:       %.1f edits/s\n", float64(edits.Load())/elapsed.Seconds())
		fmt.Printf("  Fan-out rate:    %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errs.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
