package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/consilium-dev/consilium/internal/config"
	"github.com/consilium-dev/consilium/internal/credit"
	"github.com/consilium-dev/consilium/internal/github"
	"github.com/consilium-dev/consilium/internal/handler"
	"github.com/consilium-dev/consilium/internal/ledger"
	"github.com/consilium-dev/consilium/internal/metrics"
	"github.com/consilium-dev/consilium/internal/reconcile"
	"github.com/consilium-dev/consilium/internal/server"
	"github.com/consilium-dev/consilium/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "0.1.0"

var (
	configPath string
	ledgerDir  string
)

// Application wires the service components together
type Application struct {
	config     *config.Config
	ledger     *ledger.Ledger
	client     *github.Client
	handler    *handler.Handler
	reconciler *reconcile.Reconciler
	auditor    *reconcile.Auditor
	metrics    *metrics.Metrics
	server     *server.HTTPServer
}

// loadConfig loads configuration and applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if ledgerDir != "" {
		cfg.Ledger.Dir = ledgerDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// newLedgerOnly builds just the ledger, for commands that never touch GitHub
func newLedgerOnly() (*ledger.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ledger.New(cfg.Ledger.Dir), nil
}

// NewApplication creates the fully wired application
func NewApplication(cfg *config.Config, withMetrics bool) (*Application, error) {
	app := &Application{
		config: cfg,
		ledger: ledger.New(cfg.Ledger.Dir),
	}

	client, err := github.NewClient(&cfg.GitHub)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	app.client = client

	calculator, err := credit.NewCalculatorFromConfig(&cfg.Credit)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit calculator: %w", err)
	}

	app.handler, err = handler.New(client, app.ledger, calculator)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	app.reconciler = reconcile.NewReconciler(app.ledger, client)
	app.auditor = reconcile.NewAuditor(app.ledger, client)

	if withMetrics {
		app.metrics = metrics.Default()
		app.client.SetMetrics(app.metrics)
		app.handler.SetMetrics(app.metrics)
		app.reconciler.SetMetrics(app.metrics)
		app.auditor.SetMetrics(app.metrics)
	}

	return app, nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "consilium",
	Short:   "Consilium - outcome-verified collaboration credit ledger",
	Long:    `Consilium maintains a tamper-evident, append-only ledger of credit distributions minted from merged pull requests. PR comments are the public source of truth; the local ledger is a rebuildable cache over them.`,
	Version: AppVersion,
}

// serveCmd runs the webhook server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg, true)
		if err != nil {
			return err
		}

		serverCfg := &server.ServerConfig{
			Port:          cfg.Server.Port,
			Host:          cfg.Server.Host,
			ReadTimeout:   cfg.Server.ReadTimeout,
			WriteTimeout:  cfg.Server.WriteTimeout,
			EnableMetrics: cfg.Server.EnableMetrics,
			EnableHealth:  cfg.Server.EnableHealth,
			WebhookSecret: cfg.GitHub.WebhookSecret,
		}
		app.server = server.NewHTTPServer(serverCfg, app.handler, app.ledger,
			app.reconciler, app.auditor, app.metrics)

		if err := app.server.Start(); err != nil {
			return err
		}

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		<-signalChan
		fmt.Println("\nReceived shutdown signal, stopping server...")

		return app.server.Stop()
	},
}

// balanceCmd shows credit balances
var balanceCmd = &cobra.Command{
	Use:   "balance [username]",
	Short: "Show credit balances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLedgerOnly()
		if err != nil {
			return err
		}

		balances := l.Balances()

		if len(args) == 1 {
			fmt.Printf("@%s: %.1f credit\n", args[0], balances[args[0]])
			return nil
		}

		if len(balances) == 0 {
			fmt.Println("No credit balances recorded yet.")
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")

		type row struct {
			username string
			credit   float64
		}
		rows := make([]row, 0, len(balances))
		for username, amount := range balances {
			rows = append(rows, row{username, amount})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].credit != rows[j].credit {
				return rows[i].credit > rows[j].credit
			}
			return rows[i].username < rows[j].username
		})
		if len(rows) > limit {
			rows = rows[:limit]
		}

		fmt.Println("========================================")
		fmt.Println("Consilium Credit Leaderboard")
		fmt.Println("========================================")
		fmt.Printf("%-6s %-20s %10s\n", "Rank", "Contributor", "Credit")
		fmt.Println("----------------------------------------")
		for i, r := range rows {
			fmt.Printf("%-6d @%-19s %10.1f\n", i+1, r.username, r.credit)
		}
		fmt.Println("----------------------------------------")
		fmt.Printf("Total entries: %d\n", l.EntryCount())

		return nil
	},
}

// verifyCmd verifies ledger integrity
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := ledger.New(cfg.Ledger.Dir)

		fmt.Println("Verifying local chain integrity...")
		if err := l.VerifyChain(); err != nil {
			return fmt.Errorf("chain verification failed: %w", err)
		}

		fmt.Println("✓ Local chain is valid")
		fmt.Printf("  Entries: %d\n", l.EntryCount())
		fmt.Printf("  Head hash: %s\n", l.HeadHash())

		withGitHub, _ := cmd.Flags().GetBool("github")
		if !withGitHub {
			return nil
		}

		client, err := github.NewClient(&cfg.GitHub)
		if err != nil {
			return err
		}

		fmt.Printf("\nVerifying against GitHub (%s/%s)...\n", cfg.GitHub.Owner, cfg.GitHub.Repo)
		result := reconcile.NewAuditor(l, client).Run(cmd.Context())
		if !result.Valid {
			fmt.Println("✗ Discrepancies found:")
			for _, d := range result.Discrepancies {
				fmt.Printf("  - %s\n", d)
			}
			return fmt.Errorf("ledger does not match GitHub comments")
		}

		fmt.Println("✓ Ledger matches GitHub comments")
		return nil
	},
}

// rebuildCmd rebuilds the ledger from GitHub comments
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild ledger from GitHub comments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := github.NewClient(&cfg.GitHub)
		if err != nil {
			return err
		}

		full, _ := cmd.Flags().GetBool("full")

		fmt.Printf("Rebuilding ledger from %s/%s...\n", cfg.GitHub.Owner, cfg.GitHub.Repo)

		l := ledger.New(cfg.Ledger.Dir)
		result := reconcile.NewReconciler(l, client).Run(cmd.Context(), !full)

		fmt.Printf("\nEntries found: %d\n", result.Found)
		fmt.Printf("Entries added: %d\n", result.Added)

		if len(result.Warnings) > 0 {
			fmt.Println("\nWarnings:")
			for _, w := range result.Warnings {
				fmt.Printf("  ⚠ %s\n", w)
			}
		}

		if len(result.Errors) > 0 {
			fmt.Println("\nErrors:")
			for _, e := range result.Errors {
				fmt.Printf("  ✗ %s\n", e)
			}
			return fmt.Errorf("rebuild completed with errors")
		}

		fmt.Println("\n✓ Rebuild successful")
		return nil
	},
}

// auditCmd audits the local ledger against GitHub
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit local ledger against GitHub comments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := github.NewClient(&cfg.GitHub)
		if err != nil {
			return err
		}

		l := ledger.New(cfg.Ledger.Dir)
		result := reconcile.NewAuditor(l, client).Run(cmd.Context())

		if result.Valid {
			fmt.Println("✓ Ledger matches GitHub comments")
			return nil
		}

		fmt.Println("✗ Discrepancies found:")
		for _, d := range result.Discrepancies {
			fmt.Printf("  - %s\n", d)
		}
		return fmt.Errorf("audit found %d discrepancies", len(result.Discrepancies))
	},
}

// repairCmd rebuilds the derived index from the entry files
var repairCmd = &cobra.Command{
	Use:   "repair-index",
	Short: "Rebuild the ledger index from entry files",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLedgerOnly()
		if err != nil {
			return err
		}

		index, err := l.RepairIndex()
		if err != nil {
			return fmt.Errorf("repair failed: %w", err)
		}

		fmt.Println("✓ Index repaired")
		fmt.Printf("  Entries: %d\n", index.EntryCount)
		fmt.Printf("  Head hash: %s\n", index.HeadHash)
		return nil
	},
}

// showCmd shows a specific ledger entry
var showCmd = &cobra.Command{
	Use:   "show <entry_num>",
	Short: "Show a ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		num, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid entry number: %s", args[0])
		}

		l, err := newLedgerOnly()
		if err != nil {
			return err
		}

		entry, err := l.GetEntry(num)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			fmt.Println(entry.PayloadJSON())
			return nil
		}

		fmt.Printf("Entry #%d\n", num)
		fmt.Println("========================================")
		fmt.Printf("PR:        #%d\n", entry.PRNumber)
		fmt.Printf("Outcome:   %s\n", entry.Outcome)
		fmt.Printf("Source:    %s\n", entry.Source)
		fmt.Printf("Timestamp: %s\n", entry.Timestamp)
		fmt.Printf("Hash:      %s\n", entry.Hash)
		fmt.Printf("Prev Hash: %s\n", entry.PrevHash)
		if entry.CommentID != 0 {
			fmt.Printf("Comment:   %d\n", entry.CommentID)
		}

		fmt.Println("\nDistribution:")
		type row struct {
			username string
			credit   float64
		}
		rows := make([]row, 0, len(entry.Distribution))
		for username, amount := range entry.Distribution {
			rows = append(rows, row{username, amount})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].credit > rows[j].credit })
		for _, r := range rows {
			fmt.Printf("  @%s: %.1f\n", r.username, r.credit)
		}

		return nil
	},
}

// configCmd groups configuration management commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Repository:  %s/%s\n", cfg.GitHub.Owner, cfg.GitHub.Repo)
		fmt.Printf("Ledger dir:  %s\n", cfg.Ledger.Dir)

		pretty, _ := json.MarshalIndent(cfg.Credit, "", "  ")
		fmt.Printf("Credit rules:\n%s\n", pretty)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&ledgerDir, "ledger-dir", "d", "", "Path to ledger directory (overrides config)")

	balanceCmd.Flags().IntP("limit", "n", 20, "Number of rows to show")
	verifyCmd.Flags().BoolP("github", "g", false, "Also verify against GitHub comments")
	rebuildCmd.Flags().BoolP("full", "f", false, "Full rebuild (not incremental)")
	showCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	configCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(serveCmd, balanceCmd, verifyCmd, rebuildCmd, auditCmd, repairCmd, showCmd, configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
