// Faucet: HTTP API that sends test tokens on a Cosmos-SDK chain. Limited per caller IP
// per rolling 24h through a persistent attempt ledger.
// Endpoints: POST /faucet (JSON body: receiver), GET /healthz, GET /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/safro/faucet-platform/internal/chain"
	"github.com/safro/faucet-platform/internal/config"
	"github.com/safro/faucet-platform/internal/faucet"
	"github.com/safro/faucet-platform/internal/geo"
	"github.com/safro/faucet-platform/internal/httpapi"
	"github.com/safro/faucet-platform/internal/ledger"
	"github.com/safro/faucet-platform/internal/pgstore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		slog.Error("faucet failed", "err", err)
		os.Exit(1)
	}
}

func newApp(w, ew io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "faucet"
	app.Usage = "Rate-limited test token faucet"
	app.Writer = w
	app.ErrWriter = ew
	app.Flags = Flags
	app.Action = func(c *cli.Context) error {
		opts, err := optionsFromCLI(c)
		if err != nil {
			return err
		}
		logger := newLogger(w, opts)
		slog.SetDefault(logger)
		return run(c.Context, opts, logger, prometheus.DefaultRegisterer, promhttp.Handler())
	}
	return app
}

func newLogger(w io.Writer, opts options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: opts.logLevel}
	if opts.logFormat == "text" {
		return slog.New(slog.NewTextHandler(w, ho))
	}
	return slog.New(slog.NewJSONHandler(w, ho))
}

// server holds what run wires together so it can be shut down in order: pending
// region lookups first, then the pool.
type server struct {
	svc     *faucet.Service
	handler http.Handler
	pool    *pgxpool.Pool
}

func (s *server) close() {
	s.svc.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger, reg prometheus.Registerer, metricsHandler http.Handler) error {
	s, err := build(ctx, opts, logger, reg, metricsHandler)
	if err != nil {
		return err
	}
	defer s.close()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	logger.Info("starting", "addr", opts.addr, "config_source", opts.configSource, "chain_mode", opts.chainMode)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	return nil
}

// build wires the faucet from opts. The returned server owns the database pool.
func build(ctx context.Context, opts options, logger *slog.Logger, reg prometheus.Registerer, metricsHandler http.Handler) (_ *server, err error) {
	var pool *pgxpool.Pool
	if opts.databaseURL != "" {
		pool, err = pgstore.Open(ctx, opts.databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		defer func() {
			if err != nil {
				pool.Close()
			}
		}()
	}

	provider, err := newConfigProvider(opts, pool)
	if err != nil {
		return nil, err
	}

	var attempts ledger.Ledger
	if pool != nil {
		attempts = ledger.NewPostgres(pool)
	} else {
		logger.Warn("no database configured, attempts are kept in memory and lost on restart")
		attempts = ledger.NewMemory()
	}

	dial, err := newDialer(opts, logger)
	if err != nil {
		return nil, err
	}

	var locator faucet.Locator
	if opts.geoURL != "" {
		loc, err := geo.NewHTTPLocator(opts.geoURL, opts.geoTimeout)
		if err != nil {
			return nil, err
		}
		locator = loc
	}

	if reg != prometheus.DefaultRegisterer {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	fm := faucet.NewMetrics(reg)
	hm := httpapi.NewMetrics(reg)

	svc := &faucet.Service{
		Config: provider,
		Admitter: &faucet.Admitter{
			Ledger:     attempts,
			FailClosed: opts.ledgerFailClosed,
			Log:        logger.With("component", "admission"),
			Metrics:    fm,
		},
		Dispatcher: &faucet.Dispatcher{
			Dial:    dial,
			Backoff: opts.retryBackoff,
			Log:     logger.With("component", "dispatch"),
			Metrics: fm,
		},
		Ledger:        attempts,
		Locator:       locator,
		RegionTimeout: opts.geoTimeout,
		RecordTimeout: opts.recordTimeout,
		Log:           logger,
		Metrics:       fm,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpapi.Healthz)
	mux.Handle("/faucet", &httpapi.Handler{
		Faucet:          svc,
		TrustRemoteAddr: opts.trustRemoteAddr,
		Burst:           httpapi.NewBurstGuard(opts.burstPerMinute),
		RequestTimeout:  opts.requestTimeout,
		Log:             logger.With("component", "http"),
		Metrics:         hm,
	})
	mux.Handle("/metrics", metricsHandler)
	return &server{svc: svc, handler: httpapi.Instrument(hm, mux), pool: pool}, nil
}

func newConfigProvider(opts options, pool *pgxpool.Pool) (config.Provider, error) {
	switch opts.configSource {
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres config source needs a database")
		}
		return config.NewPostgresProvider(pool), nil
	case "rest":
		return config.NewRESTProvider(opts.configRESTURL, opts.configRESTKey, opts.configRESTTable, opts.requestTimeout)
	case "file":
		return &config.FileProvider{Path: opts.configFile}, nil
	default:
		return nil, fmt.Errorf("unknown config source %q", opts.configSource)
	}
}

func newDialer(opts options, logger *slog.Logger) (chain.Dialer, error) {
	switch opts.chainMode {
	case "synthetic":
		syn := chain.NewSynthetic("safro-synthetic-1")
		if err := syn.SetGenesis(opts.syntheticGenesis); err != nil {
			return nil, err
		}
		logger.Warn("using synthetic chain, no tokens leave this process")
		return syn.Dialer(), nil
	case "rest":
		return chain.RESTDialer(chain.RESTOptions{BroadcastTimeout: opts.broadcastTimeout}), nil
	default:
		return nil, fmt.Errorf("unknown chain mode %q", opts.chainMode)
	}
}
