package main

import (
	"assetloans/pkg/auditquery"
	"assetloans/pkg/circuitbreaker"
	"assetloans/pkg/config"
	"assetloans/pkg/database"
	"assetloans/pkg/loans"
	"assetloans/pkg/notify"
	"assetloans/pkg/risk"
	"assetloans/pkg/telemetry"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		config.Exitf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loansvc",
		Short:         "Loan lifecycle service for physical assets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newRiskReportCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Println("Database schema is up to date")
			return nil
		},
	}
}

func newRiskReportCmd() *cobra.Command {
	var maxResults, history int
	cmd := &cobra.Command{
		Use:   "risk-report",
		Short: "Print the borrowers most likely to return late",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			snaps, err := risk.NewScorer(db, nil).Batch(cmd.Context(), maxResults, history)
			if err != nil {
				return err
			}
			return printRiskReport(cmd.OutOrStdout(), snaps)
		},
	}
	cmd.Flags().IntVar(&maxResults, "max", risk.MaxBatch, "maximum borrowers to list")
	cmd.Flags().IntVar(&history, "history", risk.DefaultHistory, "loans per borrower to score")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	svc := loans.NewService(db, notifierOptions(ctx, cfg)...)
	s := &server{db: db, loans: svc, query: auditquery.NewEngine(db, nil)}
	router := newRouter(s, newLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Loan service listening on %s", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// notifierOptions wires the webhook when one is configured.
func notifierOptions(ctx context.Context, cfg config.Config) []loans.Option {
	if cfg.NotifyWebhookURL == "" {
		return nil
	}
	hook := notify.NewWebhook(cfg.NotifyWebhookURL,
		notify.WithHTTPClient(&http.Client{Timeout: cfg.NotifyTimeout}),
		notify.WithBreaker(circuitbreaker.NewCircuitBreaker(cfg.NotifyMaxFailures, cfg.NotifyBreakerTimeout)),
		notify.WithRetries(cfg.NotifyMaxRetries, time.Second),
	)
	go hook.Run(ctx, cfg.NotifyFlushInterval)
	return []loans.Option{loans.WithNotifier(hook)}
}

func printRiskReport(out io.Writer, snaps []risk.Snapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(out, "No borrowers at risk")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BORROWER\tNAME\tLOANS\tLATE\tRISK\tLEVEL")
	for _, s := range snaps {
		pct := "-"
		if s.ProbabilityPct != nil {
			pct = fmt.Sprintf("%.1f%%", *s.ProbabilityPct)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", s.BorrowerID, s.BorrowerName, s.SampleSize, s.DelinquentCount, pct, s.Level)
	}
	return w.Flush()
}

// openDB is swapped in tests.
var openDB = func(cfg config.Config) (*gorm.DB, error) { return database.Open(cfg) }
