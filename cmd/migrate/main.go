package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/config"
	infraBQ "github.com/dvloznov/finance-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var (
		projectID = flag.String("project", cfg.GCPProject, "GCP project ID (default gcp_project)")
		datasetID = flag.String("dataset", cfg.BQDataset, "BigQuery dataset ID")
		appliedBy = flag.String("applied-by", "migrate-cli", "Name recorded with each applied migration")
		dryRun    = flag.Bool("dry-run", false, "List pending migrations without applying them")
	)
	flag.Parse()

	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	if *projectID == "" {
		log.Fatal().Msg("Error: -project flag or GCP_PROJECT is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	migrations, err := infraBQ.Migrations(*projectID, *datasetID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	migrator, err := infraBQ.NewMigrator(ctx, *projectID, *datasetID, *appliedBy)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer migrator.Close()

	if *dryRun {
		applied, err := migrator.Applied(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read applied migrations")
		}
		pending, err := infraBQ.Pending(migrations, applied)
		if err != nil {
			log.Fatal().Err(err).Msg("Migration history is inconsistent")
		}
		for _, m := range pending {
			fmt.Printf("%04d_%s\n", m.Version, m.Name)
		}
		return
	}

	n, err := migrator.Apply(ctx, migrations)
	if err != nil {
		log.Fatal().Err(err).Int("applied", n).Msg("Migration failed")
	}
	if n == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
		return
	}
	log.Info().Int("applied", n).Str("dataset", *datasetID).Msg("Migrations applied")
}
