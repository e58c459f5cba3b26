package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	populatecmd "github.com/louisbranch/crashfall/internal/cmd/populate"
)

func main() {
	cfg, err := populatecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[POPULATE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := populatecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to populate: %v", err)
	}
}
