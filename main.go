// natrelay - a TCP relay that exposes services behind NAT through a
// publicly reachable relay listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"natrelay/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "natrelay: %v\n", err)
		os.Exit(1)
	}
}
