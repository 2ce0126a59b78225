package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/notify"
	"main/internal/recorder"
	"main/pkg/conn"
	"main/pkg/monitor"
	"main/pkg/netstate"
	"main/pkg/socket"
	"main/pkg/stream"
	"main/pkg/transport"
)

const (
	transportSocket = "ws"
	transportStream = "sse"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("notifier: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	urlFlag := flag.String("url", "", "push backend endpoint")
	transportFlag := flag.String("transport", transportSocket, "transport kind: ws or sse")
	sessionFlag := flag.String("session", "", "session id (random when empty)")
	retryIntervalFlag := flag.Duration("retry-interval", 3*time.Second, "base reconnect backoff delay")
	maxRetriesFlag := flag.Int("max-retries", 5, "max consecutive reconnect attempts")
	heartbeatFlag := flag.Duration("heartbeat", 30*time.Second, "ping cadence (ws transport)")
	metricsAddrFlag := flag.String("metrics-addr", ":9095", "prometheus/report listen address (empty disables)")
	pgDSNFlag := flag.String("pg-dsn", "", "postgres DSN for event history persistence (empty disables)")
	pyroscopeFlag := flag.String("pyroscope", "", "pyroscope server address (empty disables)")
	flag.Parse()

	endpoint := strings.TrimSpace(*urlFlag)
	if endpoint == "" {
		return errors.New("missing endpoint; use -url")
	}

	sessionID := strings.TrimSpace(*sessionFlag)
	if sessionID == "" {
		sessionID = uuid.NewString()
		logs.Infof("generated session id: %s", sessionID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := strings.TrimSpace(*pyroscopeFlag); addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "notifier",
			ServerAddress:   addr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	detector := netstate.New()
	go func() {
		if err := detector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Errorf("netstate run, err: %+v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	opt := monitor.Option{
		Detector:   detector,
		Collectors: []monitor.Collector{monitor.NewPromCollector(registry)},
	}

	if dsn := strings.TrimSpace(*pgDSNFlag); dsn != "" {
		pg, err := conn.New(conn.Option{ConnString: dsn})
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer func() { _ = pg.Close() }()

		sink, err := recorder.New(pg)
		if err != nil {
			return fmt.Errorf("recorder start: %w", err)
		}
		defer sink.Close()
		opt.Sinks = append(opt.Sinks, sink)
	}

	mon := monitor.New(opt)
	defer mon.Close()

	client, err := buildClient(*transportFlag, clientConfig{
		url:           endpoint,
		sessionID:     sessionID,
		retryInterval: *retryIntervalFlag,
		maxRetries:    *maxRetriesFlag,
		heartbeat:     *heartbeatFlag,
		monitor:       mon,
	})
	if err != nil {
		return err
	}
	mon.MonitorClient(client)

	if addr := strings.TrimSpace(*metricsAddrFlag); addr != "" {
		go serveMetrics(ctx, addr, registry, mon)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	select {
	case <-ctx.Done():
	case <-sys.Shutdown():
	}
	logs.Info("notifier shutting down")
	return nil
}

type clientConfig struct {
	url           string
	sessionID     string
	retryInterval time.Duration
	maxRetries    int
	heartbeat     time.Duration
	monitor       *monitor.Monitor
}

func buildClient(kind string, cfg clientConfig) (transport.Client, error) {
	renderer := notify.LogRenderer{}
	events := newEventForwarder(cfg.monitor)

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case transportSocket:
		return socket.New(socket.Option{
			URL:               cfg.url,
			SessionID:         cfg.sessionID,
			RetryInterval:     cfg.retryInterval,
			MaxRetryAttempts:  cfg.maxRetries,
			HeartbeatInterval: cfg.heartbeat,
			Renderer:          renderer,
			OnOpen:            events.onOpen,
			OnClose:           events.onClose,
			OnError:           events.onError,
		}), nil
	case transportStream:
		return stream.New(stream.Option{
			URL:              cfg.url,
			SessionID:        cfg.sessionID,
			RetryInterval:    cfg.retryInterval,
			MaxRetryAttempts: cfg.maxRetries,
			Renderer:         renderer,
			OnOpen:           events.onOpen,
			OnClose:          events.onClose,
			OnError:          events.onError,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q; use %s or %s", kind, transportSocket, transportStream)
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, mon *monitor.Monitor) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/report", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(mon.GenerateReport()))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logs.Infof("metrics listening: %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logs.Errorf("metrics server, err: %+v", err)
	}
}
