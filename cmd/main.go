package main

import (
	"os"
	"os/signal"
	"syscall"

	"atlas/internal/bootstrap"
	"atlas/pkg/logger"
)

func main() {
	container := bootstrap.NewContainer()
	container.MustInit()
	defer logger.Sync()

	if err := container.Start(); err != nil {
		container.Log.Fatalf("failed to start: %v", err)
	}

	waitForShutdown(container)
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal internal
// error cancels the application context, then shuts down gracefully.
func waitForShutdown(c *bootstrap.Container) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		c.Log.Infof("Received signal %s, shutting down...", sig)
	case <-c.Context.Done():
		c.Log.Info("Context cancelled, shutting down...")
	}

	c.Shutdown()
}
