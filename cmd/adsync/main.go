package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"adsync/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cli.NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "adsync:", err)
	}
	cancel()
	os.Exit(cli.ExitCode(err))
}
