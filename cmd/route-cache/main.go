package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ericselin/routecache"
	"github.com/ericselin/routecache/config"
	"github.com/ericselin/routecache/routing"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	listenFlag         string
	providerFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string
	otlpEndpointFlag   string

	// this is set by goreleaser
	version string
)

func main() {
	if version == "" {
		version = "DEV"
	}

	rootCmd := &cobra.Command{
		Use:   "route-cache",
		Short: "Caching reverse proxy with per-route cache policies",
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "route-cache.yaml", "Config file")

	rootCmd.AddCommand(serveCmd(), checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy requests to the origin, caching responses of configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if originFlag != "" {
				cfg.Origin = originFlag
			}
			if listenFlag != "" {
				cfg.Listen = listenFlag
			}
			if providerFlag != "" {
				cfg.Store.Provider = providerFlag
			}
			if otlpEndpointFlag != "" {
				cfg.Tracing.Endpoint = otlpEndpointFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := setupLogger(cfg.Log); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	cmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on")
	cmd.Flags().StringVar(&providerFlag, "provider", "", "Cache store: memory or sqlite")
	cmd.Flags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	cmd.Flags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	cmd.Flags().StringVar(&otlpEndpointFlag, "otlp-endpoint", "", "OTLP/HTTP trace collector endpoint")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the cache policy of every route",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			table, err := cfg.RouteTable()
			if err != nil {
				return err
			}
			printRoutes(cmd.OutOrStdout(), table.Routes())
			return nil
		},
	}
}

func printRoutes(out io.Writer, routes []routing.Match) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tPATTERN\tGROUP\tHANDLER\tCACHE\tEXPIRES\tSLIDING\tPRIORITY\tSIZE")
	for _, m := range routes {
		cached, expires, sliding, priority, size := "no", "-", "-", "-", "-"
		if m.HasPolicy && m.Policy.Enabled {
			cached = "yes"
			if m.Policy.SafeRead {
				cached = "yes (safe read)"
			}
			switch {
			case !m.Policy.ExpiresAt.IsZero():
				expires = humanize.Time(m.Policy.ExpiresAt)
			case m.Policy.ExpiresAfter > 0:
				expires = m.Policy.ExpiresAfter.String()
			}
			if m.Policy.SlidingExpiration > 0 {
				sliding = m.Policy.SlidingExpiration.String()
			}
			priority = m.Policy.Priority.String()
			if m.Policy.Size > 0 {
				size = humanize.Comma(m.Policy.Size)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Method, m.Pattern, m.Route.Group, m.Route.Handler, cached, expires, sliding, priority, size)
	}
	w.Flush()
}

func setupLogger(cfg config.LogConfig) error {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	filename := cfg.File
	if logFilenameFlag != "" {
		filename = logFilenameFlag
	}
	if filename != "" {
		logFileOutput, err := os.OpenFile(filename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, err := cfg.NewStore()
	if err != nil {
		return err
	}
	defer store.Close()
	go store.Run(ctx, cfg.Store.CompactInterval)

	table, err := cfg.RouteTable()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "routecache",
			Name:      "store_entries",
			Help:      "Number of entries in the cache store",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "routecache",
			Name:      "store_size",
			Help:      "Total size charged by entries in the cache store",
		}, func() float64 { return float64(store.Size()) }),
	)

	acache := routecache.New(routecache.Config{
		Store:            store,
		Routes:           table,
		Logger:           &log.Logger,
		KeyIncludesQuery: cfg.KeyIncludesQuery,
		StatusHeader:     cfg.StatusHeader,
		Registerer:       registry,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RealIP,
		hlog.NewHandler(log.Logger),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
	)
	if cfg.Metrics.Path != "" {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	router.Handle("/*", acache.Middleware(newOriginProxy(*originURL, cfg.OriginHost)))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, originURL.String(), cfg.OriginHost)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("Request")
}
