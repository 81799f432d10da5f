// Command test-scan is a manual test for BLE discovery.
// It scans for the given duration and lists every device seen,
// marking the ones whose name matches the filter.
//
// Usage:
//
//	go run ./cmd/test-scan [--filter HM-10] [--duration 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/eqlink/internal/ble"
)

func main() {
	filter := flag.String("filter", ble.DefaultNameFilter, "advertised name substring to highlight")
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: enable adapter: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scanning for %s (matching %q)...\n", *duration, *filter)
	count := 0
	err := adapter.Scan(ctx, func(d ble.Device) {
		count++
		mark := " "
		if ble.MatchName(d.Name, *filter) {
			mark = "*"
		}
		fmt.Printf("%s %-20s %-40q %4d dBm\n", mark, d.Address, d.Name, d.RSSI)
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if count == 0 {
		fmt.Println(ble.MsgNoDevices)
		return
	}
	fmt.Printf("\nDone! %d device(s) found.\n", count)
}
