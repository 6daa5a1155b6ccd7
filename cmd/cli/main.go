package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-reconciler/internal/app"
	"github.com/dvloznov/finance-reconciler/internal/confidence"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/docsource"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

func main() {
	// Logs go to stderr so command output can be piped.
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(logger.ParseLevel(os.Getenv("RECON_LOG_LEVEL"))).
		With().Timestamp().Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "dedup-key":
		runDedupKey(log, args)
	case "parse-key":
		runParseKey(log, args)
	case "hash":
		runHash(log, args)
	case "classify":
		runClassify(log, args)
	case "process":
		runProcess(log, args)
	case "sync":
		runSync(log, args)
	case "reconcile":
		runReconcile(log, args)
	case "proposals":
		runProposals(log, args)
	case "accept", "reject":
		runDecideProposal(log, os.Args[1], args)
	case "orphan":
		runOrphan(log, args)
	case "reopen":
		runReopen(log, args)
	case "trace":
		runTrace(log, args)
	case "import":
		runImport(log, args)
	case "invalidate":
		runInvalidate(log, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Reconciler CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  dedup-key    Build the deduplication key of a transaction")
	fmt.Println("  parse-key    Decode a deduplication key")
	fmt.Println("  hash         Fingerprint local files or gs:// objects")
	fmt.Println("  classify     Classify confidence scores into a review state")
	fmt.Println("  process      Run an extraction JSON file through the pipeline")
	fmt.Println("  sync         Refresh the ledger cache from the BigQuery mirror")
	fmt.Println("  reconcile    Run one reconciliation pass")
	fmt.Println("  proposals    List match proposals")
	fmt.Println("  accept       Accept a match proposal")
	fmt.Println("  reject       Reject a match proposal")
	fmt.Println("  orphan       Mark an extraction as having no ledger counterpart")
	fmt.Println("  reopen       Return a decided extraction to PENDING")
	fmt.Println("  trace        Print the interpretation trace of a document")
	fmt.Println("  import       Print the ledger payload of an importable extraction")
	fmt.Println("  invalidate   Apply an upstream ledger deletion")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the YAML config (default $CONFIG_PATH or config.yaml)")
	return fs, configPath
}

func loadConfig(log zerolog.Logger, path string) config.Config {
	var (
		cfg config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(path)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	return cfg
}

// openApp wires the services against the configured store. The caller
// closes the returned app.
func openApp(log zerolog.Logger, configPath string) (context.Context, *app.App) {
	ctx := logger.WithContext(context.Background(), log)
	a, err := app.New(ctx, loadConfig(log, configPath))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	return ctx, a
}

func printJSON(log zerolog.Logger, v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal().Err(err).Msg("Failed to write output")
	}
}

func runDedupKey(log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("dedup-key", flag.ExitOnError)
	documentID := fs.Int64("document-id", -1, "Document ID")
	hash := fs.String("hash", "", "SHA-256 content hash (hex)")
	file := fs.String("file", "", "Hash this file instead of passing -hash")
	amount := fs.String("amount", "", "Transaction amount")
	date := fs.String("date", "", "Transaction date (YYYY-MM-DD)")
	fs.Parse(args)

	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open file")
		}
		*hash, err = dedup.HashReader(f)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash file")
		}
	}

	key, err := dedup.Generate(*documentID, *hash, *amount, *date)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot build key")
	}
	fmt.Println(key.String())
}

func runParseKey(log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("parse-key", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal().Msg("Usage: cli parse-key KEY")
	}

	key, err := dedup.Parse(fs.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse key")
	}
	printJSON(log, map[string]any{
		"system_tag":  key.SystemTag,
		"document_id": key.DocumentID,
		"hash_prefix": key.HashPrefix,
		"amount":      key.Amount,
		"date":        key.Date.String(),
	})
}

func runHash(log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	concurrency := fs.Int("concurrency", docsource.DefaultConcurrency, "Parallel fetches")
	fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal().Msg("Usage: cli hash PATH_OR_GS_URI...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	mux := docsource.Mux{Local: docsource.FileSource{}}
	for _, uri := range fs.Args() {
		if strings.HasPrefix(uri, "gs://") {
			gcs, err := docsource.NewGCSSource(ctx)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create storage client")
			}
			defer gcs.Close()
			mux.GCS = gcs
			break
		}
	}

	fps, err := docsource.NewFingerprinter(mux, *concurrency).FingerprintAll(ctx, fs.Args())
	if err != nil {
		log.Fatal().Err(err).Msg("Fingerprinting failed")
	}
	printJSON(log, fps)
}

func runClassify(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("classify")
	overall := fs.Float64("overall", 0, "Overall confidence")
	fields := fs.String("fields", "", "Per-field confidence, e.g. amount=0.9,date=0.8")
	strategy := fs.String("strategy", "", "Extraction strategy used to adjust the scores")
	fs.Parse(args)

	cfg := loadConfig(log, *configPath)
	scores := domain.ConfidenceScores{Overall: *overall, Fields: map[string]float64{}}
	for _, pair := range strings.Split(*fields, ",") {
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		v, err := strconv.ParseFloat(value, 64)
		if !ok || err != nil {
			log.Fatal().Str("field", pair).Msg("Fields must look like name=0.9")
		}
		scores.Fields[strings.TrimSpace(name)] = v
	}
	if *strategy != "" {
		scores = confidence.AdjustForStrategy(scores, *strategy, cfg.Priors)
	}
	printJSON(log, confidence.Apply(scores, cfg.Thresholds))
}

func runProcess(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("process")
	file := fs.String("file", "", "Extraction JSON file")
	documentURI := fs.String("document-uri", "", "Document to hash when the input has no content_hash")
	fs.Parse(args)

	if *file == "" {
		log.Fatal().Msg("Error: -file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read extraction")
	}
	var in app.ExtractionJob
	if err := json.Unmarshal(data, &in); err != nil {
		log.Fatal().Err(err).Msg("Invalid extraction JSON")
	}
	if *documentURI != "" {
		in.DocumentURI = *documentURI
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	job, err := jobs.NewJob(jobs.JobTypeProcessExtraction, in)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid extraction")
	}
	if err := a.HandleJob(ctx, job); err != nil {
		log.Fatal().Err(err).Msg("Processing failed")
	}
	fmt.Println("Extraction processed.")
}

func parseDateFlag(log zerolog.Logger, name, value string) civil.Date {
	d, err := civil.ParseDate(value)
	if err != nil {
		log.Fatal().Err(err).Str("flag", name).Msg("Dates must be YYYY-MM-DD")
	}
	return d
}

func runSync(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("sync")
	start := fs.String("start", "", "First ledger date (default: lookback window)")
	end := fs.String("end", "", "Last ledger date (default: today)")
	fs.Parse(args)

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	from, to := a.SyncWindow()
	if *start != "" {
		from = parseDateFlag(log, "start", *start)
	}
	if *end != "" {
		to = parseDateFlag(log, "end", *end)
	}

	res, err := a.SyncLedger(ctx, from, to)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	fmt.Printf("Synced %d ledger transactions (%s..%s), %d invalidated.\n", res.Synced, from, to, len(res.Invalidated))
}

func runReconcile(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("reconcile")
	sync := fs.Bool("sync", false, "Refresh the ledger cache first")
	fs.Parse(args)

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	if *sync {
		from, to := a.SyncWindow()
		if _, err := a.SyncLedger(ctx, from, to); err != nil {
			log.Fatal().Err(err).Msg("Sync failed")
		}
	}
	res, err := a.Reconciler.RunPass(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Reconciliation pass failed")
	}
	printJSON(log, res)
}

func runProposals(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("proposals")
	status := fs.String("status", "", "Filter by status (PENDING, ACCEPTED, REJECTED)")
	extractionID := fs.String("extraction-id", "", "Filter by extraction")
	ledgerID := fs.Int64("ledger-id", 0, "Filter by ledger transaction")
	limit := fs.Int("limit", 0, "Maximum proposals")
	fs.Parse(args)

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	proposals, err := a.Reconciler.ListProposals(ctx, domain.ProposalFilter{
		Status:       domain.ProposalStatus(strings.ToUpper(*status)),
		ExtractionID: *extractionID,
		LedgerID:     *ledgerID,
		Limit:        *limit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Listing proposals failed")
	}
	printJSON(log, proposals)
}

func runDecideProposal(log zerolog.Logger, action string, args []string) {
	fs, configPath := newFlagSet(action)
	id := fs.String("id", "", "Proposal ID")
	fs.Parse(args)
	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	var (
		out any
		err error
	)
	if action == "accept" {
		out, err = a.Reconciler.AcceptProposal(ctx, *id)
	} else {
		out, err = a.Reconciler.RejectProposal(ctx, *id)
	}
	if err != nil {
		log.Fatal().Err(err).Str("proposal_id", *id).Msgf("Cannot %s proposal", action)
	}
	printJSON(log, out)
}

func runOrphan(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("orphan")
	extractionID := fs.String("extraction-id", "", "Extraction ID")
	fs.Parse(args)
	if *extractionID == "" {
		log.Fatal().Msg("Error: -extraction-id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	l, err := a.Links.MarkOrphan(ctx, *extractionID, domain.LinkedByUser)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot mark orphan")
	}
	printJSON(log, l)
}

func runReopen(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("reopen")
	extractionID := fs.String("extraction-id", "", "Extraction ID")
	reason := fs.String("reason", "reopened from cli", "Why the decision is revisited")
	fs.Parse(args)
	if *extractionID == "" {
		log.Fatal().Msg("Error: -extraction-id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	l, err := a.Links.Reopen(ctx, *extractionID, *reason)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot reopen")
	}
	printJSON(log, l)
}

func runTrace(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("trace")
	documentID := fs.Int64("document-id", -1, "Document ID")
	fs.Parse(args)
	if *documentID < 0 {
		log.Fatal().Msg("Error: -document-id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	tr, err := a.Reconciler.Trace(ctx, *documentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load trace")
	}
	printJSON(log, tr)
}

func runImport(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("import")
	extractionID := fs.String("extraction-id", "", "Extraction ID")
	fs.Parse(args)
	if *extractionID == "" {
		log.Fatal().Msg("Error: -extraction-id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	payload, err := a.Importer.PrepareImport(ctx, *extractionID)
	if err != nil {
		log.Fatal().Err(err).Msg("Extraction cannot be imported")
	}
	printJSON(log, payload)
}

func runInvalidate(log zerolog.Logger, args []string) {
	fs, configPath := newFlagSet("invalidate")
	ledgerID := fs.Int64("ledger-id", 0, "Ledger transaction deleted upstream")
	fs.Parse(args)
	if *ledgerID <= 0 {
		log.Fatal().Msg("Error: -ledger-id is required")
	}

	ctx, a := openApp(log, *configPath)
	defer a.Close()

	res, err := a.Reconciler.InvalidateLedger(ctx, *ledgerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalidation failed")
	}
	printJSON(log, res)
}
