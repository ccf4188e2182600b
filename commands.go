package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bartek5186/mallsync/internal/alias"
	"github.com/bartek5186/mallsync/internal/db"
	"github.com/bartek5186/mallsync/internal/metrics"
	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/pipeline"
	"github.com/bartek5186/mallsync/internal/syncer"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "database ready: %s\n", a.dbh.Path)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch supplier feeds into staging and the canonical catalog",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every enabled source once",
	Long: `Run every enabled source once: ingest pending batches, convert staging
rows and mark dropped items soldout. --source runs one supplier, even when it
is disabled in the config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		code, _ := cmd.Flags().GetString("source")
		srcs, err := a.sources(code)
		if err != nil {
			return err
		}
		if len(srcs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no enabled sources")
			return nil
		}
		if _, err := a.reloader().Reload(ctx); err != nil {
			return eris.Wrap(err, "sync run: reference data")
		}

		reports := a.runner().RunAll(ctx, srcs)
		formatRunReports(cmd.OutOrStdout(), reports)
		for _, r := range reports {
			if r.Err != nil {
				return eris.Errorf("sync run: %d supplier(s) failed", countFailed(reports))
			}
		}
		return nil
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync on the configured interval and serve /metrics",
	Long: `Sync every enabled source every sync_interval_seconds until interrupted.
SIGHUP re-reads the config file. With redis configured, reference data is
reloaded whenever an invalidation is published.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var watcher syncer.Watcher
		if a.inv != nil {
			watcher = a.inv
		}
		s := syncer.New(a.log, a.cfg, a.runner(), a.reloader(), watcher)
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()

		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
		if a.cfg.MetricsAddr != "" {
			go func() {
				a.log.Info().Str("addr", srv.Addr).Msg("metrics listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error().Err(err).Msg("metrics server failed")
				}
			}()
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdown)
				cancel()
				a.log.Info().Msg("daemon stopping")
				return nil
			case <-hup:
				if err := a.applyConfig(ctx, s); err != nil {
					a.log.Error().Err(err).Msg("config reload failed")
				}
			}
		}
	},
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert the staging rows of one supplier without fetching",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		code, _ := cmd.Flags().GetString("source")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.reloader().Reload(ctx); err != nil {
			return eris.Wrap(err, "convert: reference data")
		}

		c := a.canonicalizer()
		rep, err := c.ConvertAll(ctx, code)
		a.metrics.Converted(code, rep.Converted, rep.Skipped, rep.Failed)
		if err != nil {
			return err
		}
		soldout, err := c.ReconcileSoldout(ctx, code)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: converted=%d skipped=%d failed=%d errors=%d soldout=%d\n",
			code, rep.Converted, rep.Skipped, rep.Failed, rep.Errors, soldout)
		return nil
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Place and dispatch supplier orders",
}

var ordersPlaceCmd = &cobra.Command{
	Use:   "place VARIANT_ID=QTY...",
	Short: "Create one order per retailer from canonical variants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := parsePlaceLines(args)
		if err != nil {
			return err
		}
		memo, _ := cmd.Flags().GetString("memo")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.hubs()
		if err != nil {
			return err
		}
		placed, err := orders.NewService(a.dbh.DB, reg, a.log).Place(cmd.Context(), lines, memo)
		if err != nil {
			return err
		}
		for _, o := range placed {
			fmt.Fprintf(cmd.OutOrStdout(), "order %d for %s: %d line(s)\n", o.ID, o.RetailerCode, len(o.Lines))
		}
		return nil
	},
}

var ordersDispatchCmd = &cobra.Command{
	Use:   "dispatch ORDER_ID...",
	Short: "Send pending or failed order lines to the retailers' order APIs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.router()
		if err != nil {
			return err
		}
		reports := r.DispatchMany(cmd.Context(), ids)
		formatDispatchReports(cmd.OutOrStdout(), reports)
		for _, rep := range reports {
			if rep.Err != nil {
				return eris.New("orders dispatch: some orders were not dispatched")
			}
		}
		return nil
	},
}

var refdataCmd = &cobra.Command{
	Use:   "refdata",
	Short: "Reference data (aliases, countries, formulas, markup rules)",
}

var refdataReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Validate reference data and tell running daemons to reload it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.reloader().Reload(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reference data valid (loaded %s, markup policy %s)\n", snap.LoadedAt.Format(time.RFC3339), snap.Pricing.Policy())
		formatAliasCounts(cmd.OutOrStdout(), snap.Aliases)

		if a.inv == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "redis not configured; daemons pick the change up on restart")
			return nil
		}
		reason, _ := cmd.Flags().GetString("reason")
		if err := a.inv.Publish(ctx, reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidation published on %s\n", a.inv.Channel())
		return nil
	},
}

var refdataAliasesCmd = &cobra.Command{
	Use:   "aliases SCOPE",
	Short: "List the canonical names of one alias scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := alias.ParseScope(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.reloader().Reload(ctx)
		if err != nil {
			return err
		}
		names := snap.Aliases.Canonicals(scope)
		if len(names) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no %s aliases\n", scope)
			return nil
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Conversion failures",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest conversion failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		q := a.dbh.DB.WithContext(cmd.Context()).Order("id DESC").Limit(limit)
		if code != "" {
			q = q.Where("supplier_code = ?", code)
		}
		var rows []db.ConversionFailure
		if err := q.Find(&rows).Error; err != nil {
			return eris.Wrap(err, "failures list")
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no conversion failures")
			return nil
		}
		formatFailures(cmd.OutOrStdout(), rows)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
	},
}

func init() {
	syncRunCmd.Flags().String("source", "", "run only this supplier code")
	syncCmd.AddCommand(syncRunCmd, syncDaemonCmd)

	convertCmd.Flags().String("source", "", "supplier code")
	_ = convertCmd.MarkFlagRequired("source")

	ordersPlaceCmd.Flags().String("memo", "", "note stored on every created order")
	ordersCmd.AddCommand(ordersPlaceCmd, ordersDispatchCmd)

	refdataReloadCmd.Flags().String("reason", "manual reload", "reason sent with the invalidation")
	refdataCmd.AddCommand(refdataReloadCmd, refdataAliasesCmd)

	failuresListCmd.Flags().String("source", "", "only this supplier code")
	failuresListCmd.Flags().Int("limit", 50, "maximum rows")
	failuresCmd.AddCommand(failuresListCmd)

	rootCmd.AddCommand(migrateCmd, syncCmd, convertCmd, ordersCmd, refdataCmd, failuresCmd, versionCmd)
}

func formatAliasCounts(out io.Writer, r *alias.Resolver) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tALIASES")
	for _, sc := range alias.Scopes() {
		fmt.Fprintf(w, "%s\t%d\n", sc, r.Len(sc))
	}
	w.Flush()
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, s := range args {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil || n == 0 {
			return nil, eris.Errorf("invalid order id %q", s)
		}
		ids = append(ids, uint(n))
	}
	return ids, nil
}

func parsePlaceLines(args []string) ([]orders.PlaceLine, error) {
	lines := make([]orders.PlaceLine, 0, len(args))
	for _, s := range args {
		id, qty, ok := strings.Cut(s, "=")
		if !ok {
			qty = "1"
		}
		vid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil || vid == 0 {
			return nil, eris.Errorf("invalid variant id in %q", s)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n <= 0 {
			return nil, eris.Errorf("invalid quantity in %q", s)
		}
		lines = append(lines, orders.PlaceLine{CanonicalVariantID: uint(vid), Quantity: n})
	}
	return lines, nil
}

func countFailed(reports []pipeline.Report) int {
	n := 0
	for _, r := range reports {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func formatRunReports(out io.Writer, reports []pipeline.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SUPPLIER\tBATCHES\tSTAGED\tCONVERTED\tSKIPPED\tFAILED\tSOLDOUT\tTOOK\tERROR")
	for _, r := range reports {
		converted, skipped, failed := "-", "-", "-"
		if r.Conversion != nil {
			converted = strconv.Itoa(r.Conversion.Converted)
			skipped = strconv.Itoa(r.Conversion.Skipped)
			failed = strconv.Itoa(r.Conversion.Failed)
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Supplier, len(r.Batches), r.Staged(), converted, skipped, failed, r.Soldout, r.Took.Round(time.Millisecond), errText)
	}
	_ = w.Flush()
}

func formatDispatchReports(out io.Writer, reports []orders.DispatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ORDER\tRETAILER\tSTATUS\tATTEMPT\tLINES\tERROR")
	for _, r := range reports {
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "%d\t-\t-\t-\t-\t%s\n", r.OrderID, r.Err)
			continue
		}
		var parts []string
		for _, l := range r.Result.Lines {
			s := fmt.Sprintf("%s:%s", l.ExternalRef, l.Status)
			if l.Reason != "" {
				s += "(" + l.Reason + ")"
			}
			parts = append(parts, s)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t\n", r.OrderID, r.Result.Retailer, r.Result.Status, r.Result.AttemptID, strings.Join(parts, " "))
	}
	_ = w.Flush()
}

func formatFailures(out io.Writer, rows []db.ConversionFailure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUPPLIER\tSTAGING_ITEM\tBRAND\tCATEGORY\tORIGIN\tWHEN\tREASON")
	for _, f := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.SupplierCode, f.StagingItemID, okMark(f.BrandOK), okMark(f.CategoryOK), okMark(f.OriginOK),
			f.CreatedAt.Format(time.DateTime), f.Reason)
	}
	_ = w.Flush()
}

func okMark(ok bool) string {
	if ok {
		return "ok"
	}
	return "x"
}
