// shopquery answers purchase-similarity and catalog queries over a pluggable
// storage backend, either from the command line or as a PostgreSQL-compatible
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adrianmcphee/shopquery"
	"github.com/adrianmcphee/shopquery/internal/executor"
	"github.com/adrianmcphee/shopquery/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "shopquery",
		Usage: "Purchase similarity and catalog queries over pluggable storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file (environment variables override it)",
				EnvVars: []string{"SHOPQUERY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address, e.g. :9090",
			},
			&cli.BoolFlag{
				Name:  "profile",
				Usage: "Print a query performance summary on exit",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve queries over the PostgreSQL wire protocol",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "Port to listen on (default from config)",
					},
				},
			},
			{
				Name:      "similar",
				Usage:     "List users who bought at least one product the given user bought",
				ArgsUsage: "<user_id>",
				Action:    similarCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "records",
						Usage: "Print full user records instead of ids",
					},
				},
			},
			{
				Name:      "products-by-category",
				Usage:     "List the products of a category",
				ArgsUsage: "<category_id>",
				Action:    productsByCategoryCommand,
			},
			{
				Name:      "products-by-user",
				Usage:     "List the distinct products a user has bought",
				ArgsUsage: "<user_id>",
				Action:    productsByUserCommand,
			},
			{
				Name:   "reindex",
				Usage:  "Rebuild the purchaser index from the backend",
				Action: reindexCommand,
			},
			{
				Name:   "check-index",
				Usage:  "Compare the purchaser index with the backend and report drift",
				Action: checkIndexCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "sample",
						Usage: "Number of users to sample (0 checks every user)",
						Value: 100,
					},
					&cli.BoolFlag{
						Name:  "repair",
						Usage: "Repair the drift that was found",
					},
				},
			},
			{
				Name:      "import",
				Usage:     "Seed the configured backend from a JSON dataset",
				ArgsUsage: "<dataset.json>",
				Action:    importCommand,
			},
		},
	}
}

// env is everything a command needs, built from flags and configuration.
type env struct {
	cfg      shopquery.Config
	logger   *shopquery.ZapLogger
	metrics  shopquery.Metrics
	backend  *shopquery.OpenedBackend
	service  *shopquery.QueryService
	profiler *shopquery.QueryProfiler
	httpSrv  *http.Server
	stderr   io.Writer
}

func setup(c *cli.Context) (*env, error) {
	var cfg shopquery.Config
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = shopquery.LoadConfigFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = shopquery.LoadConfigFromEnv()
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := shopquery.NewZapLoggerAtLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, metrics: &shopquery.NoOpMetrics{}, stderr: c.App.ErrWriter}
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		e.metrics = shopquery.NewPrometheusMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		e.httpSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	e.backend, err = shopquery.OpenAdapter(c.Context, cfg.Backend, logger, e.metrics)
	if err != nil {
		e.close()
		return nil, err
	}
	e.service, err = shopquery.NewQueryServiceWithObservability(e.backend.Adapter, cfg.Query, logger, e.metrics)
	if err != nil {
		e.close()
		return nil, err
	}
	if c.Bool("profile") {
		e.profiler = shopquery.NewQueryProfiler(0)
		if cfg.Query.SlowQueryThreshold > 0 {
			e.profiler.SetSlowQueryThreshold(cfg.Query.SlowQueryThreshold)
		}
		e.service.WithProfiler(e.profiler)
	}
	return e, nil
}

func (e *env) close() {
	if e.profiler != nil && e.stderr != nil {
		e.profiler.PrintSummary(e.stderr)
	}
	if e.service != nil {
		_ = e.service.Close()
	}
	if e.backend != nil {
		if err := e.backend.Close(); err != nil {
			e.logger.Warn("close backend", "error", err)
		}
	}
	if e.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.httpSrv.Shutdown(ctx)
	}
	_ = e.logger.Sync()
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("%s: expected exactly one argument <%s>", c.Command.Name, name), 2)
	}
	return c.Args().First(), nil
}

func serveCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	port := e.cfg.ListenPort
	if c.IsSet("port") {
		port = c.Int("port")
	}

	server := protocol.NewServer(port, executor.NewExecutor(e.service), e.logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := e.cfg.Backend.IndexCheckInterval; interval > 0 && e.backend.Index != nil {
		monitor := shopquery.NewIndexHealthMonitor(e.backend.Index, e.backend.Source, e.logger, e.metrics).
			WithInterval(interval)
		if err := monitor.Start(ctx); err != nil {
			return err
		}
		defer monitor.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		e.logger.Info("shutting down")
		return server.Close()
	}
}

func similarCommand(c *cli.Context) error {
	id, err := requireArg(c, "user_id")
	if err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	out := c.App.Writer
	if c.Bool("records") {
		users, err := e.service.SimilarUserRecords(c.Context, shopquery.UserID(id))
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(out, "%s\t%s\t%s\n", u.ID, u.Name, u.Email)
		}
		return nil
	}

	users, err := e.service.SimilarUsers(c.Context, shopquery.UserID(id))
	if err != nil {
		return err
	}
	for _, uid := range users.Sorted() {
		fmt.Fprintln(out, uid)
	}
	return nil
}

func productsByCategoryCommand(c *cli.Context) error {
	id, err := requireArg(c, "category_id")
	if err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	products, err := e.service.ProductsByCategory(c.Context, shopquery.CategoryID(id))
	if err != nil {
		return err
	}
	printProducts(c, products)
	return nil
}

func productsByUserCommand(c *cli.Context) error {
	id, err := requireArg(c, "user_id")
	if err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	products, err := e.service.ProductsByUser(c.Context, shopquery.UserID(id))
	if err != nil {
		return err
	}
	printProducts(c, products)
	return nil
}

func printProducts(c *cli.Context, products []shopquery.Product) {
	for _, p := range products {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Price.String(), p.CategoryID)
	}
}

func reindexCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	stats, err := e.backend.RebuildIndex(c.Context, e.logger, e.metrics)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "indexed %d orders (%d lines) for %d users in %s\n",
		stats.Orders, stats.Lines, stats.Users, stats.Duration.Round(time.Millisecond))
	return nil
}

func checkIndexCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	if e.backend.Index == nil {
		return cli.Exit("check-index: the purchaser index is not enabled for this backend", 2)
	}

	monitor := shopquery.NewIndexHealthMonitor(e.backend.Index, e.backend.Source, e.logger, e.metrics).
		WithSampleSize(c.Int("sample"))
	report, err := monitor.Check(c.Context)
	if err != nil {
		return err
	}

	out := c.App.Writer
	fmt.Fprintf(out, "sampled %d users, checked %d entries: %d missing, %d extra (%.2f%% drift)\n",
		report.TotalSampled, report.Checked, report.MissingInIndex, report.ExtraInIndex, report.DriftPercentage)
	for _, m := range report.Missing {
		fmt.Fprintf(out, "missing\t%s\t%s\n", m.ProductID, m.UserID)
	}
	for _, x := range report.Extra {
		fmt.Fprintf(out, "extra\t%s\t%s\n", x.ProductID, x.UserID)
	}

	if c.Bool("repair") && (report.MissingInIndex > 0 || report.ExtraInIndex > 0) {
		repaired, err := monitor.RepairDrift(c.Context, report)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "repaired %d entries\n", repaired)
	}
	return nil
}

func importCommand(c *cli.Context) error {
	path, err := requireArg(c, "dataset.json")
	if err != nil {
		return err
	}
	ds, err := shopquery.LoadDataset(path)
	if err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.backend.ImportDataset(c.Context, ds, e.logger, e.metrics); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %d users, %d products, %d orders into %s\n",
		len(ds.Users), len(ds.Products), len(ds.Orders), e.backend.Source.Name())
	return nil
}
