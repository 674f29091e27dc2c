package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eenblam/lrcpd/internal/lrcp"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

const (
	defaultBindAddr    = "0.0.0.0:4321"
	defaultMetricsAddr = ":9321"
	defaultTimeout     = 60 * time.Second
	defaultRetransmit  = 3 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	BindAddr    string
	MetricsAddr string
	Timeout     time.Duration
	Retransmit  time.Duration
	Workers     int
	Verbose     bool
}

func loadConfig() config {
	var cfg config
	flag.StringVar(&cfg.BindAddr, "bind", defaultBindAddr, "udp address to listen on")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "tcp address to serve /metrics on")
	flag.DurationVar(&cfg.Timeout, "session-timeout", defaultTimeout, "idle duration before a session expires")
	flag.DurationVar(&cfg.Retransmit, "retransmission-interval", defaultRetransmit, "interval between unacked data retransmissions")
	flag.IntVar(&cfg.Workers, "workers", lrcp.DefaultWorkers, "number of serial worker shards")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "show debug logs")
	flag.Parse()
	return cfg
}

func run() error {
	cfg := loadConfig()
	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	log.Info("listening for udp", "address", conn.LocalAddr())

	srv := lrcp.NewServer(conn, lrcp.Config{
		SessionTimeout:         cfg.Timeout,
		RetransmissionInterval: cfg.Retransmit,
		Workers:                cfg.Workers,
		Logger:                 log,
		Clock:                  clockwork.NewRealClock(),
	})

	reg := prometheus.NewRegistry()
	if err := srv.Metrics().Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	metricsListener, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen tcp for metrics: %w", err)
	}
	go func() {
		log.Info("metrics server listening", "address", metricsListener.Addr())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		if err := http.Serve(metricsListener, mux); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = metricsListener.Close()
	}()

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("context cancelled, server stopped")
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
