// Command callserv is the reference room server: it hands out join codes,
// tracks presence and relays app messages between the participants of a room.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/logging"
)

const (
	serverVersion   = "v0.2.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("callserv", cfg.LogLevel)

	srv := newServer(cfg, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case now := <-ticker.C:
				srv.cleanup(now)
			}
		}
	}()

	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "session_ttl", cfg.SessionTTL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				stopCleanup()
				// hijacked websocket connections are not tracked by Shutdown
				srv.closeAll()
				return httpServer.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
