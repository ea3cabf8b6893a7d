package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"retail-sales-forecaster/api"
	"retail-sales-forecaster/dashboard"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	version          = "0.1.0"
)

// CLIConfig holds the persistent flags
type CLIConfig struct {
	ServerURL string
	Token     string
	Verbose   bool
	Timeout   time.Duration
}

func (c *CLIConfig) client() *Client {
	return NewClient(c.ServerURL, c.Token, c.Timeout)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌ Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	config := &CLIConfig{}

	root := &cobra.Command{
		Use:           "retailcast",
		Short:         "Retail Sales Forecaster CLI",
		Long:          "Command-line client for the Retail Sales Forecaster HTTP API: list selections, inspect history, forecast and export.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&config.ServerURL, "server", envOr("RETAILCAST_SERVER_URL", defaultServerURL), "Forecaster server URL")
	flags.StringVar(&config.Token, "token", os.Getenv("RETAILCAST_TOKEN"), "Bearer token for authenticated servers")
	flags.BoolVarP(&config.Verbose, "verbose", "v", false, "Verbose output")
	flags.DurationVar(&config.Timeout, "timeout", 2*time.Minute, "Request timeout")

	root.AddCommand(
		newOptionsCmd(config),
		newHistoryCmd(config),
		newForecastCmd(config),
		newExportCmd(config),
		newHealthCmd(config),
		newTokenCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// selectionFlags registers --store, --product and optionally --horizon
type selectionFlags struct {
	store   string
	product string
	horizon int
}

func (s *selectionFlags) register(cmd *cobra.Command, withHorizon bool) {
	cmd.Flags().StringVar(&s.store, "store", "", "Store identifier")
	cmd.Flags().StringVar(&s.product, "product", "", "Product identifier")
	cmd.MarkFlagRequired("store")
	cmd.MarkFlagRequired("product")
	if withHorizon {
		cmd.Flags().IntVar(&s.horizon, "horizon", 0, "Forecast horizon in days (server default when omitted)")
	}
}

func printVerbose(w io.Writer, config *CLIConfig, body []byte) {
	if !config.Verbose {
		return
	}
	var result interface{}
	if err := json.Unmarshal(body, &result); err == nil {
		prettyJSON, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(w, string(prettyJSON))
	}
}

func newOptionsCmd(config *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "List stores, products and horizon bounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts dashboard.Options
			body, err := config.client().GetJSON("/api/v1/options", nil, &opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "🏪 Stores (%d):   %s\n", len(opts.Stores), strings.Join(opts.Stores, ", "))
			fmt.Fprintf(out, "📦 Products (%d): %s\n", len(opts.Products), strings.Join(opts.Products, ", "))
			fmt.Fprintf(out, "📅 Horizon: %d-%d days (default %d)\n", opts.HorizonMin, opts.HorizonMax, opts.HorizonDefault)
			printVerbose(out, config, body)
			return nil
		},
	}
}

func newHistoryCmd(config *CLIConfig) *cobra.Command {
	var sel selectionFlags
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the prepared sales history of a selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := selectionQuery(sel.store, sel.product, 0)
			query.Set("limit", fmt.Sprintf("%d", limit))

			var history api.HistoryResponse
			body, err := config.client().GetJSON("/api/v1/history", query, &history)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📈 Store %s / product %s: showing %d of %d rows\n",
				history.StoreID, history.ProductID, history.Count, history.Total)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			header := append([]string{"dt", "sale_amount"}, history.Features...)
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, row := range history.Rows {
				cells := []string{row.Date, formatFloat(row.SaleAmount)}
				for _, name := range history.Features {
					cells = append(cells, formatFloat(row.Features[name]))
				}
				fmt.Fprintln(tw, strings.Join(cells, "\t"))
			}
			tw.Flush()
			printVerbose(out, config, body)
			return nil
		},
	}
	sel.register(cmd, false)
	cmd.Flags().IntVar(&limit, "limit", api.DefaultHistoryLimit, "Rows to show, 0 for all")
	return cmd
}

func newForecastCmd(config *CLIConfig) *cobra.Command {
	var sel selectionFlags
	var tail int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast daily sales for a selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := selectionQuery(sel.store, sel.product, sel.horizon)
			query.Set("tail", fmt.Sprintf("%d", tail))

			var resp api.ForecastResponse
			body, err := config.client().GetJSON("/api/v1/forecast", query, &resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Warning != "" {
				fmt.Fprintf(out, "⚠️  %s (%d rows)\n", resp.Warning, resp.Rows)
				return nil
			}

			fmt.Fprintf(out, "🔮 Forecast for store %s / product %s: %d days ahead (%s, %d history days)\n",
				resp.StoreID, resp.ProductID, resp.Horizon, resp.Engine, resp.HistoryDays)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ds\tyhat\tyhat_lower\tyhat_upper")
			for _, p := range resp.Predictions {
				fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\n", p.DS, p.YHat, p.YHatLower, p.YHatUpper)
			}
			tw.Flush()

			if e := resp.Evaluation; e != nil {
				fmt.Fprintf(out, "📏 Eval split: %d days, MAE %.2f, RMSE %.2f, MAPE %.1f%%\n",
					e.MatchedDays, e.MAE, e.RMSE, e.MAPE)
			}
			printVerbose(out, config, body)
			return nil
		},
	}
	sel.register(cmd, true)
	cmd.Flags().IntVar(&tail, "tail", api.DefaultForecastTail, "Predictions to show from the end, 0 for all")
	return cmd
}

func newExportCmd(config *CLIConfig) *cobra.Command {
	var sel selectionFlags
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the forecast of a selection as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, header, err := config.client().Get("/api/v1/forecast/export", selectionQuery(sel.store, sel.product, sel.horizon))
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = attachmentName(header)
			}
			if path == "" {
				return errors.New("server did not name the export, pass --output")
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, attachmentName(header))
			}

			if err := os.WriteFile(path, body, 0644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Forecast written to %s (%d bytes)\n", path, len(body))
			return nil
		},
	}
	sel.register(cmd, true)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file or directory (server filename by default)")
	return cmd
}

func newHealthCmd(config *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health struct {
				Status   string            `json:"status"`
				Uptime   string            `json:"uptime"`
				Services map[string]string `json:"services"`
			}
			body, err := config.client().GetJSON("/health", nil, &health)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ System is %s (uptime %s, dataset %s)\n", health.Status, health.Uptime, health.Services["dataset"])
			printVerbose(out, config, body)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var secret, issuer, subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for an authenticated server",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := api.IssueToken(secret, issuer, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("RETAILCAST_AUTH_SECRET"), "Signing secret (defaults to RETAILCAST_AUTH_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "retail-sales-forecaster", "Token issuer")
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
