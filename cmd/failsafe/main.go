package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/config"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/infrastructure/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse flags
	iterations := flag.Int("iterations", 0, "Rounds per scenario (overrides FAILSAFE_ITERATIONS)")
	program := flag.String("program", "", "Faulting program (overrides FAILSAFE_PROGRAM)")
	dev := flag.Bool("dev", false, "Development logging")
	metricsAddr := flag.String("metrics", "", "Serve metrics on this address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *iterations > 0 {
		cfg.Failsafe.Iterations = *iterations
	}
	if *program != "" {
		cfg.Failsafe.Program = *program
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *metricsAddr != "" {
		metrics := &http.Server{
			Addr:              *metricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		defer metrics.Close()
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reports, runErr := srv.Run(ctx)
	for _, report := range reports {
		fmt.Print(report)
	}

	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if runErr != nil {
		log.Printf("Failsafe run failed: %v", runErr)
		return 1
	}
	return 0
}
