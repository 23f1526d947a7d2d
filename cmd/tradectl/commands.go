package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"bracketBot/internal/adapters/csvledger"
	"bracketBot/internal/analytics"
	"bracketBot/internal/app"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/utils"
)

const commandTimeout = 2 * time.Minute

var errPersistenceDisabled = errors.New("open-trade persistence is disabled (OPEN_TRADES_STORE=none)")

func newOpenCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "List persisted open trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			if sess.storage.Persist == nil {
				return errPersistenceDisabled
			}
			trades, err := sess.storage.Persist.LoadAll(ctx)
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open trades.")
				return nil
			}
			printTrades(cmd.OutOrStdout(), trades)
			return nil
		},
	}
}

func newLedgerCmd(env *environment) *cobra.Command {
	var (
		status string
		symbol string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List ledger trades, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ports.LedgerFilter{
				Status: domain.TradeStatus(strings.ToUpper(status)),
				Symbol: strings.ToUpper(symbol),
				Limit:  limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			trades, err := sess.storage.Ledger.List(ctx, filter)
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No trades match.")
				return nil
			}
			printTrades(cmd.OutOrStdout(), trades)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only trades in this status (e.g. CLOSED)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "only trades for this symbol")
	cmd.Flags().DurationVar(&since, "since", 0, "only trades opened within this window (e.g. 72h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of trades")
	return cmd
}

func newStatsCmd(env *environment) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print performance statistics over closed trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			trades, err := sess.storage.Ledger.List(ctx, ports.LedgerFilter{})
			if err != nil {
				return err
			}
			stats := analytics.AnalyzePerformance(trades)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newExportCmd(env *environment) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole ledger as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			trades, err := sess.storage.Ledger.List(ctx, ports.LedgerFilter{})
			if err != nil {
				return err
			}
			if out == "-" {
				return csvledger.Encode(cmd.OutOrStdout(), trades)
			}
			var buf bytes.Buffer
			if err := csvledger.Encode(&buf, trades); err != nil {
				return err
			}
			if err := utils.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d trades to %s\n", len(trades), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "destination file, - for stdout")
	return cmd
}

func newCloseCmd(env *environment) *cobra.Command {
	var exitPrice, pnl, reason string
	cmd := &cobra.Command{
		Use:   "close ORDER_ID",
		Short: "Record a manual close for a tracked trade",
		Long:  "Patches the ledger with the exit and removes the trade from open-trade persistence. No order is sent to the exchange.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseCloseFlags(args[0], exitPrice, pnl, reason)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			open, err := sess.openTrades(ctx)
			if err != nil {
				return err
			}
			closed, err := app.RecordClose(ctx, sess.storage.Ledger, open, req, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s %s at %s (%s), pnl %s\n",
				closed.Symbol, closed.OrderID, closed.ExitPrice.Decimal, closed.ExitReason, nullText(closed.PnL))
			return nil
		},
	}
	cmd.Flags().StringVar(&exitPrice, "exit-price", "", "fill price of the exit (required)")
	cmd.Flags().StringVar(&pnl, "pnl", "", "realized pnl, derived from the entry price when omitted")
	cmd.Flags().StringVar(&reason, "reason", string(domain.ExitManual), "exit reason: tp_hit, sl_hit, manual, timeout or unknown")
	_ = cmd.MarkFlagRequired("exit-price")
	return cmd
}

func parseCloseFlags(orderID, exitPrice, pnl, reason string) (app.CloseRequest, error) {
	req := app.CloseRequest{OrderID: orderID}
	price, err := decimal.NewFromString(exitPrice)
	if err != nil {
		return req, ports.NewValidationError("exit-price", "not a number: %q", exitPrice)
	}
	req.ExitPrice = price
	if pnl != "" {
		v, err := decimal.NewFromString(pnl)
		if err != nil {
			return req, ports.NewValidationError("pnl", "not a number: %q", pnl)
		}
		req.PnL = decimal.NewNullDecimal(v)
	}
	r, ok := domain.ParseExitReason(reason)
	if !ok {
		return req, ports.NewValidationError("reason", "unknown exit reason %q", reason)
	}
	req.Reason = r
	return req, nil
}

func newReconcileCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the exchange",
		Long:  "Queries the exchange for every persisted open trade and records the ones that have closed. The grace period still applies.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			sess, err := env.open(ctx, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			open, err := sess.openTrades(ctx)
			if err != nil {
				return err
			}
			exchange, err := env.exchange(sess.cfg, sess.log)
			if err != nil {
				return err
			}
			rec, err := sess.reconciler(exchange, open)
			if err != nil {
				return err
			}
			report := rec.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d skipped=%d closed=%d failed=%d still_open=%d\n",
				report.Checked, report.Skipped, report.Closed, report.Failed, open.Len())
			if report.Failed > 0 {
				return fmt.Errorf("%d trades could not be reconciled", report.Failed)
			}
			return nil
		},
	}
}

func printTrades(w io.Writer, trades []*domain.Trade) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER_ID\tSYMBOL\tSIDE\tQTY\tENTRY\tTP\tSL\tSTATUS\tEXIT\tREASON\tPNL\tOPENED")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			orDash(t.OrderID), t.Symbol, t.Side, t.Quantity,
			nullText(t.EntryPrice), nullText(t.EffectiveTakeProfit), nullText(t.EffectiveStopLoss),
			t.Status, nullText(t.ExitPrice), orDash(string(t.ExitReason)), nullText(t.PnL),
			t.OpenedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

func printStats(w io.Writer, m *analytics.PerformanceMetrics) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Closed trades\t%d\n", m.TotalTrades)
	fmt.Fprintf(tw, "Wins / losses\t%d / %d\n", m.WinningTrades, m.LosingTrades)
	fmt.Fprintf(tw, "Win rate\t%s%%\n", m.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Fprintf(tw, "Total pnl\t%s\n", m.TotalPnL.StringFixed(4))
	fmt.Fprintf(tw, "Average pnl\t%s\n", m.AveragePnL.StringFixed(4))
	fmt.Fprintf(tw, "Average win / loss\t%s / %s\n", m.AverageWin.StringFixed(4), m.AverageLoss.StringFixed(4))
	fmt.Fprintf(tw, "Profit factor\t%s\n", m.ProfitFactor.StringFixed(2))
	fmt.Fprintf(tw, "Largest win / loss\t%s / %s\n", m.LargestWin.StringFixed(4), m.LargestLoss.StringFixed(4))
	fmt.Fprintf(tw, "Max drawdown\t%s\n", m.MaxDrawdown.StringFixed(4))
	fmt.Fprintf(tw, "Expectancy\t%s\n", m.Expectancy.StringFixed(4))
	fmt.Fprintf(tw, "Average duration\t%s\n", m.AverageTradeDuration.Round(time.Second))

	reasons := make([]string, 0, len(m.ByExitReason))
	for r := range m.ByExitReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(tw, "Exit %s\t%d\n", r, m.ByExitReason[domain.ExitReason(r)])
	}
	for _, mp := range m.GetMonthlyPnL() {
		fmt.Fprintf(tw, "Month %s\t%s\n", mp.Month.Format("2006-01"), mp.PnL.StringFixed(4))
	}
	tw.Flush()
}

func nullText(n decimal.NullDecimal) string {
	if !n.Valid {
		return "-"
	}
	return n.Decimal.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
