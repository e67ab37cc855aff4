// Command fulfillctl is the operator tool for stuck fulfillment work.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joao-fontenele/storefront-fulfillment/internal/catalog"
	"github.com/joao-fontenele/storefront-fulfillment/internal/config"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
	"github.com/joao-fontenele/storefront-fulfillment/internal/telemetry"
)

var Version = "dev"

// app holds the dependencies shared by subcommands. The database is opened
// before each command runs.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	logger *slog.Logger
	out    io.Writer
	asJSON bool
	// producer announces links issued by retried or reissued tasks. Nil
	// without KAFKA_BROKERS.
	producer *messaging.Producer
}

func main() {
	a := &app{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Inspect and repair order fulfillment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&a.asJSON, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(tasksCmd(a))
	rootCmd.AddCommand(reissueCmd(a))
	rootCmd.AddCommand(webhooksCmd(a))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) open(ctx context.Context) error {
	a.cfg = config.Load("")
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.cfg.LogLevel}))

	if a.cfg.Postgres.URL == "" {
		return fmt.Errorf("POSTGRES_URL environment variable is required")
	}

	db, err := telemetry.OpenDB(ctx, a.cfg.Postgres.URL, telemetry.PoolConfig{MaxOpenConns: 4})
	if err != nil {
		return err
	}
	a.db = db

	if len(a.cfg.Kafka.Brokers) > 0 {
		a.producer = messaging.NewProducer(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, domain.EventTypeDownloadsReady)
	}
	return nil
}

func (a *app) close() {
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *app) runner() *fulfillment.TaskRunner {
	issuer := fulfillment.NewIssuer(catalog.NewRepository(a.db), fulfillment.IssuerConfig{
		LicenseMaxActivations: a.cfg.Fulfillment.LicenseMaxActivations,
		LinkExpiryDays:        a.cfg.Downloads.ExpiryDays,
		LinkMaxDownloads:      a.cfg.Downloads.MaxDownloads,
	}, a.logger)
	ledger := fulfillment.NewLedger(a.cfg.Fulfillment.AffiliateCommissionRate, a.logger)
	var downloads fulfillment.Publisher
	if a.producer != nil {
		downloads = a.producer
	}
	return fulfillment.NewTaskRunner(a.db, issuer, ledger, a.cfg.Tasks.MaxAttempts, downloads, a.logger)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
