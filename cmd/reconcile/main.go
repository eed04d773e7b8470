// Command reconcile runs one reconciliation from the command line and prints
// the variance sheet. It exits 1 on error and 3 when -tolerance is set and
// the overall variance exceeds it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/warp/volume-engine/api"
	"github.com/warp/volume-engine/config"
	"github.com/warp/volume-engine/factory"
	"github.com/warp/volume-engine/store/backend"
	"github.com/warp/volume-engine/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	month := flag.String("month", "", "Calendar month to reconcile (YYYY-MM). Defaults to the previous month.")
	fromStr := flag.String("from", "", "Optional: period start (YYYY-MM-DD), overrides -month")
	toStr := flag.String("to", "", "Optional: period end, inclusive (YYYY-MM-DD)")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite, postgres)")
	dsn := flag.String("db", cfg.DBDSN, "Database path or DSN")
	policyFile := flag.String("policy", cfg.PolicyFile, "Policy YAML file")
	tolerance := flag.String("tolerance", "", "Optional: flag variance above this many liters")
	save := flag.Bool("save", false, "Record the run in the run log")
	asJSON := flag.Bool("json", false, "Print the full result as JSON")
	flag.Parse()

	period, err := periodFromFlags(*month, *fromStr, *toStr, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid period: %v\n", err)
		os.Exit(1)
	}

	var limit *volume.Volume
	if strings.TrimSpace(*tolerance) != "" {
		v, err := volume.ParseLiters(strings.TrimSpace(*tolerance))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid tolerance: %v\n", err)
			os.Exit(1)
		}
		limit = &v
	}

	// Logs go to stderr so stdout stays parseable.
	logger := config.NewLogger(cfg.LogLevel, "text")
	logger.SetOutput(os.Stderr)

	policy, err := factory.NewPolicyFactory().LoadFile(*policyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load policy: %v\n", err)
		os.Exit(1)
	}
	if cfg.Workers > 0 {
		policy.Workers = cfg.Workers
	}

	db, err := backend.Open(*driver, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	reconciler, err := volume.NewReconciler(db, policy, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build reconciler: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var rec *volume.Reconciliation
	if *save {
		rec, _, err = api.NewHandler(reconciler, db, policy, logger).RunReconciliation(ctx, period)
	} else {
		rec, err = reconciler.Reconcile(ctx, period)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
	} else {
		printSheet(rec)
	}

	if limit != nil && rec.Variance.Exceeds(*limit) {
		fmt.Fprintf(os.Stderr, "variance %s exceeds tolerance %s\n", rec.Variance.Total, *limit)
		os.Exit(3)
	}
}

func periodFromFlags(month, from, to string, now time.Time) (volume.Period, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from != "" || to != "" {
		if from == "" || to == "" {
			return volume.Period{}, fmt.Errorf("-from and -to must be given together")
		}
		start, err := time.Parse("2006-01-02", from)
		if err != nil {
			return volume.Period{}, err
		}
		end, err := time.Parse("2006-01-02", to)
		if err != nil {
			return volume.Period{}, err
		}
		p := volume.ClosedPeriod(start, end.AddDate(0, 0, 1).Add(-time.Nanosecond))
		return p, p.Validate()
	}
	if month = strings.TrimSpace(month); month != "" {
		m, err := time.Parse("2006-01", month)
		if err != nil {
			return volume.Period{}, err
		}
		return volume.MonthPeriod(m.Year(), m.Month()), nil
	}
	return volume.PreviousMonth(now), nil
}

func printSheet(rec *volume.Reconciliation) {
	fmt.Printf("Reconciliation %s\nPeriod %s\n\n", rec.RunID, rec.Period)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "category\tledger\twaterfall\tdelta\t")
	for _, line := range rec.Variance.Lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", line.Category,
			line.LedgerTotal.Liters.StringFixed(2),
			line.WaterfallTotal.Liters.StringFixed(2),
			line.Delta.Liters.StringFixed(2))
	}
	fmt.Fprintf(tw, "total\t%s\t%s\t%s\t\n",
		rec.Variance.LedgerTotal.Liters.StringFixed(2),
		rec.Variance.WaterfallTotal.Liters.StringFixed(2),
		rec.Variance.Total.Liters.StringFixed(2))
	tw.Flush()

	for _, tc := range volume.SortedTaxClasses(rec.ByClass) {
		s := rec.ByClass[tc]
		fmt.Printf("\n%s: ledger %s, waterfall %s, delta %s\n", tc,
			s.LedgerTotal.Liters.StringFixed(2), s.WaterfallTotal.Liters.StringFixed(2), s.Total.Liters.StringFixed(2))
	}
	if n := len(rec.Anomalies); n > 0 {
		fmt.Printf("\n%d anomalies\n", n)
		for _, a := range rec.Anomalies {
			fmt.Printf("  %s batch=%s event=%s %s\n", a.Kind, a.BatchID, a.EventID, a.Detail)
		}
	}
}
