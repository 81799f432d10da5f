// Command test-serial is a manual end-to-end test against a real device.
// It connects, waits for the session to become ready, requests the serial
// number and prints every change until the reply arrives.
//
// Usage:
//
//	go run ./cmd/test-serial --address AA:BB:CC:DD:EE:FF [--timeout 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chaz8081/eqlink/internal/ble"
	"github.com/chaz8081/eqlink/internal/equalizer"
	"github.com/chaz8081/eqlink/internal/session"
)

func main() {
	address := flag.String("address", "", "device address (required)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if *address == "" {
		fmt.Println("Error: --address is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	mgr := ble.NewManager(ble.NewTinygoAdapter(), nil, ble.DefaultOptions())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	sess := session.New(mgr)

	ready := make(chan struct{}, 1)
	serial := make(chan string, 1)
	status := &statusTracker{}
	sess.Subscribe(func(c equalizer.Change) {
		fmt.Printf("  %-12s %v\n", c.Field, c.Value)
		status.observe(c)
		switch {
		case c.Field == equalizer.FieldConnection && c.Value == ble.StateReady.String():
			select {
			case ready <- struct{}{}:
			default:
			}
		case c.Field == equalizer.FieldSerial:
			select {
			case serial <- c.Value.(string):
			default:
			}
		}
	})

	fmt.Printf("Connecting to %s...\n", *address)
	if err := sess.Connect(*address); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		<-done
		fmt.Printf("Error: session not ready: %v (last status: %q)\n", ctx.Err(), status.last())
		os.Exit(1)
	}

	if err := sess.RequestSerialNumber(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	select {
	case s := <-serial:
		fmt.Printf("\nSerial number: %s\n", s)
	case <-ctx.Done():
		fmt.Println("Error: no serial reply")
	}

	_ = sess.Disconnect()
	cancel()
	<-done
	fmt.Println("Done!")
}

// statusTracker keeps the latest status message. The manager cannot be
// queried once its loop has exited, so the message is captured as it is
// published.
type statusTracker struct {
	msg atomic.Value
}

func (s *statusTracker) observe(c equalizer.Change) {
	if c.Field != equalizer.FieldMessage {
		return
	}
	if msg, ok := c.Value.(string); ok {
		s.msg.Store(msg)
	}
}

func (s *statusTracker) last() string {
	msg, _ := s.msg.Load().(string)
	return msg
}
