package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newCLI()
	err := c.root().ExecuteContext(ctx)

	if c.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if closeErr := c.app.Close(closeCtx); closeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", closeErr)
		}
		cancel()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
