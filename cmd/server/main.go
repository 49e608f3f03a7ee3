// Package main starts the passkey authentication service.
//
// This process owns the ceremony HTTP surface: challenge issuance,
// registration and login completion, and session endpoints.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	servercmd "github.com/nholloway/keygate/internal/cmd/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := servercmd.Run(ctx); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
