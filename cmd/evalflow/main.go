// Command evalflow operates an evalflow deployment: schema setup, queue
// inspection and maintenance, audit history, and a Prometheus endpoint for
// queue depth.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "evalflow:", err)
		stop()
		os.Exit(1)
	}
}
