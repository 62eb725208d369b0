// Command hydrogen-clientcli is a thin demonstration harness over
// internal/client: it connects to a device server, optionally serves
// Prometheus metrics, sends one demo command when --qos is given, and waits
// for a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ElementAstro/hydrogen-clientcore/internal/client"
	"github.com/ElementAstro/hydrogen-clientcore/internal/config"
	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	host := flag.String("host", "", "device server host (overrides HYDROGEN_HOST)")
	port := flag.Int("port", 0, "device server port (overrides HYDROGEN_PORT)")
	token := flag.String("token", "", "bearer token (overrides HYDROGEN_TOKEN)")
	qos := flag.Int("qos", -1, "QoS for the demo command: 0=AT_MOST_ONCE 1=AT_LEAST_ONCE 2=EXACTLY_ONCE")
	dev := flag.Bool("dev", false, "load .env and enable verbose logging")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090")
	version := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("hydrogen-clientcli\n  Version:    %s\n  Build Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}

	if _, err := maxprocs.Set(); err != nil {
		log.Printf("automaxprocs: %v", err)
	}

	cfg, err := config.Load(*dev)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	level := zerolog.InfoLevel
	if cfg.Dev {
		level = zerolog.DebugLevel
	}
	logger := telemetry.NewLogger(cfg.Dev, level)

	c := client.New(cfg, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, c, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to connect")
		os.Exit(1)
	}
	logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connected to device server")

	if *qos >= 0 {
		demoQoS := message.QoS(*qos)
		go runDemoCommand(ctx, c, demoQoS, logger)
	}

	waitForShutdown(logger)

	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("hydrogen-clientcli stopped")
}

func runDemoCommand(ctx context.Context, c *client.Client, qos message.QoS, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params, _ := json.Marshal(map[string]any{"demo": true})
	resp, err := c.ExecuteCommandWithQoS(ctx, "demo-device", "PING", params, qos)
	if err != nil {
		logger.Warn().Err(err).Msg("demo command failed")
		return
	}
	logger.Info().Str("messageId", resp.ID).Msg("demo command succeeded")
}

func serveMetrics(addr string, c *client.Client, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Metrics.Registry, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server exited")
	}
}

func waitForShutdown(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}
