// Command node launches the flotilla live trading node.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flotilla-trading/flotilla/internal/app/node"
	"github.com/flotilla-trading/flotilla/internal/app/trader"
	"github.com/flotilla-trading/flotilla/internal/app/trader/js"
	"github.com/flotilla-trading/flotilla/internal/infra/config"
)

const (
	defaultStrategiesDir = "scripts/strategies"
	nodeLoggerPrefix     = "node "

	shutdownTimeout   = 30 * time.Second
	stopTimeout       = 10 * time.Second
	disconnectTimeout = 10 * time.Second
	disposeTimeout    = 15 * time.Second
)

func main() {
	configPath, strategiesDir := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBootLogger()

	strategies := loadStrategies(logger, strategiesDir)

	n, err := node.New(ctx, configPath, strategies)
	if err != nil {
		logger.Fatalf("construct node: %v", err)
	}
	logger.Printf("node constructed: id=%s trader=%s strategies=%d",
		n.ID(), n.TraderID(), len(strategies))

	if err := n.Connect(ctx); err != nil {
		logger.Printf("connect: %v", err)
		disposeAndExit(logger, n)
	}
	if err := n.Start(ctx); err != nil {
		logger.Printf("start: %v", err)
		disposeAndExit(logger, n)
	}

	logger.Print("node running; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, n)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	configPath := flag.String("config", config.DefaultPath, "path to the node configuration document")
	strategiesDir := flag.String("strategies", defaultStrategiesDir, "directory of JavaScript strategy scripts")
	flag.Parse()
	return *configPath, *strategiesDir
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBootLogger() *log.Logger {
	return log.New(os.Stdout, nodeLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadStrategies(logger *log.Logger, dir string) []trader.Strategy {
	scripts, err := js.LoadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("strategy directory %s not found; starting with an empty strategy set", dir)
			return nil
		}
		logger.Fatalf("load strategies: %v", err)
	}
	out := make([]trader.Strategy, 0, len(scripts))
	for _, s := range scripts {
		logger.Printf("strategy loaded: %s (%s)", s.ID(), s.Path())
		out = append(out, s)
	}
	return out
}

func disposeAndExit(logger *log.Logger, n *node.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	err := n.Dispose(ctx)
	cancel()
	if err != nil {
		logger.Printf("dispose: %v", err)
	}
	os.Exit(1)
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, n *node.Node) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if n.State() == node.StateRunning {
		shutdownStep("stopping trader", stopTimeout, n.Stop)
	}
	shutdownStep("disconnecting clients", disconnectTimeout, n.Disconnect)
	shutdownStep("disposing node", disposeTimeout, n.Dispose)
}
