// Command rootd runs the workspace interoperability root as a standalone
// process: a gRPC front door for proxy connections, a Prometheus
// /metrics endpoint, and OTLP tracing, fronting the single-threaded
// root.Coordinator dispatch loop.
//
// Usage:
//
//	go run ./cmd/rootd                                  # defaults
//	go run ./cmd/rootd -addr :50051 -directory-urls https://apps.example.com
//	go build -o rootd ./cmd/rootd && ./rootd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/config"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/launch"
	"github.com/paulgoldsmith/fdc3-web-sub000/observability"
	"github.com/paulgoldsmith/fdc3-web-sub000/root"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport/grpcserver"
)

// stdLogger implements root.Logger (and the identical directory.Logger/
// transport.Logger interfaces) using the standard library log package.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, kv ...any) { log.Printf("[DEBUG] %s %v", msg, kv) }
func (l *stdLogger) Info(msg string, kv ...any)  { log.Printf("[INFO] %s %v", msg, kv) }
func (l *stdLogger) Warn(msg string, kv ...any)  { log.Printf("[WARN] %s %v", msg, kv) }
func (l *stdLogger) Error(msg string, kv ...any) { log.Printf("[ERROR] %s %v", msg, kv) }

func main() {
	addr := flag.String("addr", ":50051", "gRPC address the root listens on for proxy connections")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	directoryURLs := flag.String("directory-urls", "", "comma-separated app directory URLs")
	identityURL := flag.String("identity-url", "", "identity URL this root instance advertises")
	userChannelIDs := flag.String("user-channels", "fdc3.channel.1,fdc3.channel.2,fdc3.channel.3", "comma-separated predeclared user channel ids")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/gRPC collector endpoint (tracing disabled if empty)")
	flag.Parse()

	logger := &stdLogger{}
	logger.Info("root_starting", "version", "1.0.0", "address", *addr)

	if *otelEndpoint != "" {
		shutdown, err := observability.InitTracer("fdc3-root", "1.0.0", *otelEndpoint)
		if err != nil {
			log.Fatalf("failed to init tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	cfg := config.New(
		config.WithAppDirectoryURLs(splitNonEmpty(*directoryURLs)...),
		config.WithIdentityURL(*identityURL),
	)
	config.Set(cfg)

	dir := directory.New(cfg.AppDirectoryURLs, http.DefaultClient, nil, logger)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dir.Load(loadCtx); err != nil {
		logger.Warn("directory_load_incomplete", "error", err.Error())
	}
	loadCancel()

	local := transport.NewLocalTransport(logger)

	userChannels := make([]bus.Channel, 0, 4)
	for _, id := range splitNonEmpty(*userChannelIDs) {
		userChannels = append(userChannels, bus.Channel{ID: bus.ChannelId(id), Type: bus.ChannelTypeUser})
	}

	// No additional openStrategies are configured for this binary; the
	// root still takes the parameter so an embedder linking root.New
	// directly (rather than running this binary) can supply its own
	// launch.Strategy implementations ahead of the built-in web-URL
	// fallback.
	var strategies []launch.Strategy
	c := root.New(cfg, logger, local, dir, userChannels, strategies...)
	logger.Info("coordinator_created", "appDirectoryUrls", cfg.AppDirectoryURLs)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx)

	grpcSrv := grpc.NewServer(grpcserver.ServerOptions()...)
	grpcserver.NewServer(local, logger).Register(grpcSrv)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *addr, err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc_server_error", "error", err.Error())
		}
	}()
	logger.Info("grpc_server_started", "address", *addr)

	metricsSrv := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_server_error", "error", err.Error())
		}
	}()
	logger.Info("metrics_server_started", "address", *metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("\nfdc3 root running on %s (metrics on %s)\n", *addr, *metricsAddr)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	stop()
	_ = c.Close()
	grpcSrv.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("root_stopped")
}

// splitNonEmpty splits a comma-separated flag value, dropping blanks
// produced by an empty or trailing-comma input.
func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
