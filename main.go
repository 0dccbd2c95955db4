package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Photon/internal/cli"
	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to Photon. An interrupt cancels the running
// command; items already being processed are allowed to finish.
func main() {
	ctx, cancel := context.WithCancel(context.Background())

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-exit
		log.Emit(logger.STOP, "Interrupt received, finishing in-flight items...\n")
		cancel()
	}()

	code := cli.New(os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
