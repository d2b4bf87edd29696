package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"invoicematch/internal"
	"invoicematch/internal/config"
	"invoicematch/internal/connectors"
	"invoicematch/internal/listener"
	"invoicematch/internal/logging"
	"invoicematch/internal/pipeline"
	"invoicematch/internal/reference"
	"invoicematch/internal/storage"
	"invoicematch/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	if cmd == "check" {
		runCheck(ctx, cfg, logger, os.Args[2:])
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	switch cmd {
	case "process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", cfg.InvoicesDir, "invoice file or directory")
		force := fs.Bool("force", false, "reprocess unchanged and exported invoices")
		_ = fs.Parse(os.Args[2:])

		store, _ := loadReference(ctx, cfg, logger)
		settings, err := pipeline.SettingsFromConfig(cfg)
		must(err)
		processor := pipeline.NewProcessingService(db, store, settings, cfg.ProcessWorkers, logger)

		info, err := os.Stat(*input)
		must(err)
		var summary pipeline.BatchSummary
		if info.IsDir() {
			summary, err = processor.ProcessDir(ctx, *input, *force)
		} else {
			summary, err = processor.ProcessFiles(ctx, []string{*input}, *force)
		}
		must(err)
		for _, o := range summary.Outcomes {
			line := fmt.Sprintf("%-30s %s", o.Stem, o.Status)
			if o.Skipped {
				line += " (unchanged)"
			}
			if o.Err != nil {
				line += " error: " + o.Err.Error()
			}
			fmt.Println(line)
		}
		fmt.Printf("processed files=%d ready=%d needs_review=%d failed=%d skipped=%d trace=%s\n",
			summary.Files, summary.Ready, summary.NeedsReview, summary.Failed, summary.Skipped, summary.TraceID)
	case "watch":
		svc, err := listener.NewFromConfig(ctx, cfg, db, logger)
		must(err)
		must(svc.Run(ctx))
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailProvider, "gmail|imap")
		label := fs.String("label", cfg.MailLabel, "mailbox/label")
		maxMsgs := fs.Int("max", cfg.MailFetchMax, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := listener.MakeConnector(ctx, cfg, *provider)
		must(err)
		fetch := connectors.NewFetchService(db, cfg.RawMailDir, cfg.InvoicesDir, conn, logger)
		result, err := fetch.FetchAndStore(ctx, *label, *maxMsgs)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d extracted=%d skipped=%d\n",
			*provider, result.Fetched, result.Stored, result.Extracted, result.Skipped)
	case "mail:list":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", connectors.EmailSkipped, "fetched|extracted|skipped|failed")
		limit := fs.Int("limit", 50, "max rows")
		_ = fs.Parse(os.Args[2:])
		rows, err := db.ListEmailsByStatus(*status, *limit)
		must(err)
		for _, r := range rows {
			fmt.Printf("%5d %-6s %-20s %-30s %s\n", r.ID, r.Provider, r.ReceivedAt, r.Sender, r.Subject)
		}
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", "", "needs_review|ready|exported|failed (default all)")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*out) == "" {
			*out = filepath.Join(cfg.OutputDir, fmt.Sprintf("review-%s.xlsx", time.Now().UTC().Format("20060102-150405")))
		}
		invoices, err := db.ListInvoices(internal.InvoiceStatus(*status))
		must(err)
		discrepancies, err := db.ListDiscrepancies(internal.InvoiceStatus(*status))
		must(err)
		must(pipeline.ExportReviewXLSX(invoices, discrepancies, *out))
		fmt.Printf("exported %d invoices and %d discrepancies to %s\n", len(invoices), len(discrepancies), *out)
	case "invoice:list":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		status := fs.String("status", "", "filter by status")
		_ = fs.Parse(os.Args[2:])
		invoices, err := db.ListInvoices(internal.InvoiceStatus(*status))
		must(err)
		for _, inv := range invoices {
			fmt.Printf("%-30s %-13s %-15s supplier=%s po=%s total=%s errors=%d warnings=%d\n",
				inv.Stem, inv.Status, inv.InvoiceNumber, inv.MatchedSupplier, inv.PONumber, inv.Total, inv.ErrorCount, inv.WarningCount)
		}
	case "invoice:show":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		stem := fs.String("stem", "", "invoice stem")
		_ = fs.Parse(os.Args[2:])
		requireFlag("stem", *stem)
		res, err := db.GetResult(*stem)
		must(err)
		printJSON(res)
		audit, err := db.ListAudit(*stem)
		must(err)
		for _, e := range audit {
			fmt.Printf("%s %-18s %-10s %s\n", e.Timestamp, e.Action, e.Actor, e.Detail)
		}
	case "invoice:approve":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		stem := fs.String("stem", "", "invoice stem")
		actor := fs.String("actor", currentUser(), "who approves")
		_ = fs.Parse(os.Args[2:])
		requireFlag("stem", *stem)
		exporter, err := webhook.NewClient(cfg)
		must(err)
		review := pipeline.NewReviewService(db, exporter, logger)
		must(review.Approve(ctx, *stem, *actor))
		fmt.Printf("invoice %s exported\n", *stem)
	case "invoice:status":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		stem := fs.String("stem", "", "invoice stem")
		status := fs.String("status", "", "needs_review|ready")
		actor := fs.String("actor", currentUser(), "who changes the status")
		_ = fs.Parse(os.Args[2:])
		requireFlag("stem", *stem)
		requireFlag("status", *status)
		review := pipeline.NewReviewService(db, nil, logger)
		must(review.SetStatus(*stem, internal.InvoiceStatus(*status), *actor))
		fmt.Printf("invoice %s is now %s\n", *stem, *status)
	case "backup:create":
		cfg.BackupEnabled = true
		backups, err := listener.NewBackupService(cfg, db, reference.NewSource(cfg.ReferenceDir, cfg.ReferenceXLSX), logger)
		must(err)
		path, err := backups.Create(ctx)
		must(err)
		fmt.Printf("backup written to %s\n", path)
	default:
		usage()
		os.Exit(1)
	}
}

// runCheck loads the reference data and, with --input, evaluates one file
// without touching the database.
func runCheck(ctx context.Context, cfg config.Config, logger *logrus.Logger, args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	input := fs.String("input", "", "invoice file to evaluate")
	_ = fs.Parse(args)

	store, source := loadReference(ctx, cfg, logger)
	snap := store.Load()
	fmt.Printf("reference %s suppliers=%d pos=%d rejected=%d orphan_lines=%d\n",
		source.Name(), len(snap.Suppliers), snap.POCount(), len(snap.Rejected), snap.OrphanLines)
	for _, rej := range snap.Rejected {
		fmt.Printf("  rejected %s row %d: %v\n", rej.Table, rej.Row, rej.Err)
	}
	if strings.TrimSpace(*input) == "" {
		return
	}

	settings, err := pipeline.SettingsFromConfig(cfg)
	must(err)
	engine, err := pipeline.NewEngine(settings, snap)
	must(err)
	res, err := pipeline.EvaluateFile(engine, *input, time.Now())
	must(err)
	printJSON(res)
}

func loadReference(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*reference.Store, reference.Source) {
	source := reference.NewSource(cfg.ReferenceDir, cfg.ReferenceXLSX)
	store := reference.NewStore(nil)
	_, err := reference.NewReloader(source, store, logger).Load(ctx)
	must(err)
	return store, source
}

func printJSON(v any) {
	blob, err := json.MarshalIndent(v, "", "  ")
	must(err)
	fmt.Println(string(blob))
}

func requireFlag(name, value string) {
	if strings.TrimSpace(value) == "" {
		must(fmt.Errorf("--%s is required", name))
	}
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "cli"
}

func usage() {
	fmt.Println(`Usage:
  invoicematch check [--input=<file>]
  invoicematch process [--input=<file|dir>] [--force]
  invoicematch watch
  invoicematch mail:fetch [--provider=imap|gmail] [--label=INBOX] [--max=20]
  invoicematch mail:list [--status=skipped] [--limit=50]
  invoicematch export:xlsx [--status=needs_review] [--out=review.xlsx]
  invoicematch invoice:list [--status=ready]
  invoicematch invoice:show --stem=<stem>
  invoicematch invoice:approve --stem=<stem> [--actor=name]
  invoicematch invoice:status --stem=<stem> --status=needs_review|ready [--actor=name]
  invoicematch backup:create`)
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
