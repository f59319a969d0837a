package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

const Version = "v0.3.0"

// newLogger builds the root logger from the logging section
func newLogger(cfg LoggingConfig, debug bool) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	if debug {
		level = log.DebugLevel
	}
	opts := log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts.Formatter = log.TextFormatter
	case "json":
		opts.Formatter = log.JSONFormatter
	case "logfmt":
		opts.Formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("logging.format must be text, json or logfmt, got %q", cfg.Format)
	}
	return log.NewWithOptions(os.Stderr, opts), nil
}

// clientIP returns the remote address without its port
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// metricsHandler serves Prometheus metrics with IP-based access control
func metricsHandler(config *Config, reg *prometheus.Registry, logger *log.Logger) http.Handler {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !config.Prometheus.IsIPAllowed(ip) {
			http.Error(w, "403 Forbidden: Access denied", http.StatusForbidden)
			logger.Warn("metrics access denied", "ip", ip)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func newSymbolSource(config *Config, metrics *PrometheusMetrics, logger *log.Logger) (SymbolSource, error) {
	if config.Input.Source == "rtp" {
		return NewRTPReceiver(config.Input, metrics, logger)
	}
	return NewFileSource(config.Input, metrics, logger)
}

func main() {
	var (
		configFile = pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
		input      = pflag.StringP("input", "i", "", "Soft-symbol file to decode (- for stdin), overrides input.path")
		listen     = pflag.StringP("listen", "l", "", "HTTP listen address, overrides server.listen")
		debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
		version    = pflag.BoolP("version", "v", false, "Print version and exit")
	)
	pflag.Parse()

	if *version {
		fmt.Printf("ccsds_downlink %s\n", Version)
		os.Exit(0)
	}

	// Environment variable takes precedence over the flag
	debugMode := *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		debugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}

	config, err := LoadConfig(*configFile)
	if errors.Is(err, fs.ErrNotExist) && !pflag.CommandLine.Changed("config") {
		// No config file: run on defaults with the command line input
		config, err = ParseConfig(nil)
	}
	if err != nil {
		log.Fatal("failed to load configuration", "error", err)
	}
	if *input != "" {
		config.Input.Source = "file"
		config.Input.Path = *input
	}
	if *listen != "" {
		config.Server.Listen = *listen
	}
	if err := config.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	logger, err := newLogger(config.Logging, debugMode)
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	logger.Info("ccsds_downlink starting", "version", Version, "debug", debugMode)

	if err := run(config, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(config *Config, logger *log.Logger) error {
	pcfg, err := config.PipelineConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		metrics *PrometheusMetrics
		reg     *prometheus.Registry
	)
	if config.Prometheus.Enabled {
		reg = prometheus.NewRegistry()
		metrics = NewPrometheusMetrics(reg)
	}

	p, err := pipeline.New(pcfg, logger.WithPrefix("pipeline"))
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	source, err := newSymbolSource(config, metrics, logger.WithPrefix("input"))
	if err != nil {
		return fmt.Errorf("failed to set up input: %w", err)
	}

	wsHandler := NewPacketWebSocketHandler(config.Server.MaxWebSocketClients, metrics, logger.WithPrefix("websocket"))
	statsHandler := NewStatsHandler(p, source, wsHandler, logger.WithPrefix("stats"))

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, metrics, logger.WithPrefix("mqtt"))
		if err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/api/stats", statsHandler.Handler())
	mux.HandleFunc("/ws/packets", wsHandler.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if metrics != nil {
		mux.Handle("/metrics", metricsHandler(config, reg, logger))
	}
	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	p.Start(ctx)

	// Publishers stop on their own context so the final statistics go out
	// after the pipeline drains
	pubCtx, pubCancel := context.WithCancel(context.Background())
	metrics.StartStatsUpdater(pubCtx, p, time.Second)
	metrics.StartPushgatewayWorker(pubCtx, config, logger.WithPrefix("pushgateway"))
	if mqttPublisher != nil {
		mqttPublisher.StartPublisher(pubCtx, p)
	}
	statsHandler.StartStatsLogger(time.Duration(config.Server.StatsInterval)*time.Second, p.Done())

	var consumers []PacketConsumer
	consumers = append(consumers, wsHandler)
	if mqttPublisher != nil {
		consumers = append(consumers, mqttPublisher)
	}
	sink := NewPacketSink(logger.WithPrefix("packets"), pcfg.PacketBuffer, consumers...)
	sinkDone := make(chan uint64, 1)
	go func() { sinkDone <- sink.Run(p) }()

	sourceErr := make(chan error, 1)
	go func() {
		err := source.Run(ctx, p)
		if err != nil {
			p.Stop()
		}
		sourceErr <- err
	}()

	waitErr := p.Wait()
	delivered := <-sinkDone
	srcErr := <-sourceErr

	statsHandler.logSummary()
	logger.Info("decoder finished", "packets", delivered)

	pubCancel()
	wsHandler.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	if srcErr != nil {
		return srcErr
	}
	if errors.Is(waitErr, pipeline.ErrStopped) && ctx.Err() != nil {
		// Interrupted by a signal
		return nil
	}
	return waitErr
}
