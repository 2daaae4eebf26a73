package cli

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

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/presence"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/server"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

// serveOptions are the serve flags. A flag only overrides the config file
// when it was set on the command line.
type serveOptions struct {
	addr            string
	allowedOrigins  []string
	adminToken      string
	limiterBackend  string
	limit           int
	window          time.Duration
	redisAddr       string
	flushInterval   time.Duration
	maxAttempts     int
	deadLetterPath  string
	geoTimeout      time.Duration
	noGeo           bool
	exposeLocation  bool
	credentialsFile string
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().StringVar(&o.addr, "addr", d.Server.Addr, "address to listen on")
	cmd.Flags().StringSliceVar(&o.allowedOrigins, "allowed-origins", d.Server.AllowedOrigins, "origins allowed to connect (* for any)")
	cmd.Flags().StringVar(&o.adminToken, "admin-token", "", "bearer token required on /admin routes")
	cmd.Flags().StringVar(&o.limiterBackend, "limiter-backend", string(d.Limiter.Backend), "rate counter backend (memory, redis)")
	cmd.Flags().IntVar(&o.limit, "limit", d.Limiter.Limit, "requests allowed per address per window")
	cmd.Flags().DurationVar(&o.window, "window", d.Limiter.Window, "fixed rate window length")
	cmd.Flags().StringVar(&o.redisAddr, "redis-addr", d.Redis.Addr, "redis address for the redis limiter backend")
	cmd.Flags().DurationVar(&o.flushInterval, "flush-interval", d.Telemetry.FlushInterval, "visit batch flush interval")
	cmd.Flags().IntVar(&o.maxAttempts, "max-attempts", d.Telemetry.MaxAttempts, "write attempts per visit batch before dead-lettering")
	cmd.Flags().StringVar(&o.deadLetterPath, "dead-letter", "", "NDJSON file receiving abandoned visit batches")
	cmd.Flags().DurationVar(&o.geoTimeout, "geo-timeout", d.Geo.Timeout, "geolocation lookup timeout")
	cmd.Flags().BoolVar(&o.noGeo, "no-geo", false, "disable geolocation lookups")
	cmd.Flags().BoolVar(&o.exposeLocation, "expose-location", false, "include visitor location in presence broadcasts")
	cmd.Flags().StringVar(&o.credentialsFile, "credentials-file", "", "JSON store credentials file (default: $"+config.CredentialsEnv+")")
}

func (o *serveOptions) applyFlagsIfSet(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if f.Changed("allowed-origins") {
		cfg.Server.AllowedOrigins = o.allowedOrigins
	}
	if f.Changed("admin-token") {
		cfg.Admin.Token = o.adminToken
	}
	if f.Changed("limiter-backend") {
		cfg.Limiter.Backend = limiter.Backend(o.limiterBackend)
	}
	if f.Changed("limit") {
		cfg.Limiter.Limit = o.limit
	}
	if f.Changed("window") {
		cfg.Limiter.Window = o.window
	}
	if f.Changed("redis-addr") {
		cfg.Redis.Addr = o.redisAddr
	}
	if f.Changed("flush-interval") {
		cfg.Telemetry.FlushInterval = o.flushInterval
	}
	if f.Changed("max-attempts") {
		cfg.Telemetry.MaxAttempts = o.maxAttempts
	}
	if f.Changed("dead-letter") {
		cfg.Telemetry.DeadLetterPath = o.deadLetterPath
	}
	if f.Changed("geo-timeout") {
		cfg.Geo.Timeout = o.geoTimeout
	}
	if f.Changed("no-geo") {
		cfg.Geo.Enabled = !o.noGeo
	}
	if f.Changed("expose-location") {
		cfg.Presence.ExposeLocation = o.exposeLocation
	}
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trafficmon HTTP and WebSocket server",
		Long: `Starts the presence server.

Store credentials are read from $` + config.CredentialsEnv + ` (or
--credentials-file) as JSON, e.g. {"driver":"sqlite","dsn":"visits.db"}.
The server refuses to start without them.

Endpoints:
  GET    /                          Service info
  GET    /health                    Store and limiter health
  GET    /dashboard                 Live visitor dashboard
  GET    /api/presence              Current visitors
  WS     /ws                        Presence stream (activeUsers messages)
  GET    /admin/visits?limit=N      Recent visits, newest first
  POST   /admin/visits/purge        Delete visits older than the retention
  GET    /admin/policy?status=S     List IP policies
  PUT    /admin/policy/{address}    Set {"status": "whitelisted|blacklisted"}
  DELETE /admin/policy/{address}    Clear a policy
  GET    /admin/connections         Open connections
  GET    /admin/stats               Presence and telemetry counters
  POST   /admin/flush               Flush buffered visits now`,
		Example: `  trafficmon serve
  trafficmon serve --config trafficmon.yaml
  trafficmon serve --addr :8080 --limit 100 --window 1m --flush-interval 10s
  trafficmon serve --limiter-backend redis --redis-addr redis:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			o.applyFlagsIfSet(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			creds, err := config.LoadCredentials(o.credentialsFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, creds, logger, nil)
		},
	}
	o.addFlags(cmd)
	return cmd
}

// runServe wires every component and serves until ctx is done. If ready
// is non-nil it receives the bound listener address once serving.
func runServe(ctx context.Context, cfg config.Config, creds storage.Credentials, logger *slog.Logger, ready chan<- string) error {
	clk := clock.NewRealClock()

	store, err := storage.Open(ctx, creds)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	lim, closeLimiter, err := newLimiter(cfg, clk)
	if err != nil {
		return err
	}
	defer closeLimiter()

	g := gate.New(lim, store, clk, logger.With("component", "gate"))
	if err := g.Load(ctx); err != nil {
		return err
	}

	dead, closeDead, err := newDeadLetterSink(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer closeDead()

	policy, err := telemetry.ParseOverflowPolicy(cfg.Telemetry.Overflow)
	if err != nil {
		return err
	}
	buf := telemetry.NewBuffer(cfg.Telemetry.BufferCapacity, policy)
	flusher := telemetry.NewFlusher(buf, store, dead, clk, logger.With("component", "flusher"), telemetry.FlusherConfig{
		Interval:     cfg.Telemetry.FlushInterval,
		WriteTimeout: cfg.Telemetry.WriteTimeout,
		MaxAttempts:  cfg.Telemetry.MaxAttempts,
	})

	var lookup geo.Lookuper
	if cfg.Geo.Enabled {
		client := geo.NewIPInfoClient(cfg.Geo.BaseURL, cfg.Geo.Token, &http.Client{Timeout: cfg.Geo.Timeout})
		lookup = geo.NewCache(client, cfg.Geo.CacheTTL, cfg.Geo.CacheSize, clk)
	}

	srv := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Admin.Token,
		ExposeLocation: cfg.Presence.ExposeLocation,
		SendQueue:      cfg.Server.SendQueue,
		GeoTimeout:     cfg.Geo.Timeout,
		Retention:      cfg.Storage.Retention,
	}, server.Deps{
		Directory: presence.NewDirectory(clk),
		Gate:      g,
		Buffer:    buf,
		Flusher:   flusher,
		Store:     store,
		Geo:       lookup,
		Clock:     clk,
		Logger:    logger.With("component", "server"),
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	// The flusher outlives the server so the final flush sees every visit
	// the last requests appended.
	flushCtx, stopFlusher := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		flusher.Run(flushCtx)
		close(flushDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.StartOnListener(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}
	logger.Info("trafficmon started",
		"addr", ln.Addr().String(),
		"limiter", cfg.Limiter.Backend,
		"limit", cfg.Limiter.Limit,
		"window", cfg.Limiter.Window,
		"store", creds.Driver,
		"flush_interval", cfg.Telemetry.FlushInterval)

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	stopFlusher()
	<-flushDone

	stats := flusher.Stats()
	logger.Info("trafficmon stopped", "flushed", stats.Flushed, "dead_lettered", stats.DeadLettered, "dropped", stats.DroppedOnFull)
	return serveErr
}

func newLimiter(cfg config.Config, clk clock.Clock) (limiter.Limiter, func() error, error) {
	switch cfg.Limiter.Backend {
	case limiter.BackendMemory:
		return limiter.NewFixedWindow(cfg.Limiter.Limit, cfg.Limiter.Window, clk), func() error { return nil }, nil
	case limiter.BackendRedis:
		rl, err := limiter.NewRedisFixedWindow(cfg.Redis, cfg.Limiter.Limit, cfg.Limiter.Window, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting redis limiter: %w", err)
		}
		return rl, rl.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown limiter backend %q", cfg.Limiter.Backend)
	}
}

func newDeadLetterSink(cfg config.TelemetryConfig, logger *slog.Logger) (telemetry.DeadLetterSink, func() error, error) {
	if cfg.DeadLetterPath == "" {
		return telemetry.LogSink{Logger: logger.With("component", "deadletter")}, func() error { return nil }, nil
	}
	sink, f, err := telemetry.OpenNDJSONFile(cfg.DeadLetterPath)
	if err != nil {
		return nil, nil, err
	}
	return sink, f.Close, nil
}
