// Command callfiles joins a call room, shares files with the other participants
// and saves the files they share.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/callfiles/internal/cli/participant"
	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/logging"
)

const version = "v0.2.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	cfg := config.ParseClientConfig()
	logger := logging.NewWithWriter(os.Stderr, "callfiles", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("joining call", "server", cfg.ServerURL, "peer_id", cfg.PeerID, "files", len(cfg.Send))
	if err := participant.Run(ctx, cfg, logger); err != nil {
		logger.Error("participant failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
