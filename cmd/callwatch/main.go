// ABOUTME: Entry point for the callwatch dedup and re-check server
// ABOUTME: Cobra commands for serving, validating config and querying a running server

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/callwatch/internal/config"
	"github.com/2389/callwatch/internal/gateway"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
            _ _               _       _
   ___ __ _| | |_      ____ _| |_ ___| |__
  / __/ _' | | \ \ /\ / / _' | __/ __| '_ \
 | (_| (_| | | |\ V  V / (_| | || (__| | | |
  \___\__,_|_|_| \_/\_/ \__,_|\__\___|_| |_|
`

var (
	configPath string
	serverAddr string

	rootCmd = &cobra.Command{
		Use:           "callwatch",
		Short:         "Deduplicates evidence bundles and re-checks them per observer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the callwatch server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file, then print a summary",
		Args:  cobra.NoArgs,
		RunE:  runCheckConfig,
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check a running server's readiness",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
	decisionCmd = &cobra.Command{
		Use:   "decision <subject_id> <observer_id>",
		Short: "Show the stored decision for a subject and observer",
		Args:  cobra.ExactArgs(2),
		RunE:  runDecision,
	}
	indexCmd = &cobra.Command{
		Use:   "index <subject_id>",
		Short: "List observers tracking a subject",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndex,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline counters of a running server",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CALLWATCH_CONFIG or ~/.config/callwatch/callwatch.yaml)")
	for _, c := range []*cobra.Command{healthCmd, decisionCmd, indexCmd, statsCmd} {
		c.Flags().StringVar(&serverAddr, "addr", "", "server address (default server.http_addr from config)")
	}
	rootCmd.AddCommand(serveCmd, checkConfigCmd, healthCmd, decisionCmd, indexCmd, statsCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.ResolvePath()
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := resolveConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Database.Driver)
	if cfg.Database.Driver == "badger" {
		gray.Printf(" (%s)", cfg.Database.BadgerPath)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Observers: %d", len(cfg.Observers))
	if cfg.Server.WatchConfig {
		yellow.Print(" [hot reload]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting callwatch",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
		"observers", len(cfg.Observers),
	)

	gw, err := gateway.New(cfg, path, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(cmd.Context())
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "%s is valid\n", path)
	fmt.Fprintf(out, "  store:          %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  accepted ttl:   %s\n", cfg.Decisions.AcceptedTTL)
	fmt.Fprintf(out, "  rejected ttl:   %s\n", cfg.Decisions.RejectedTTL)
	fmt.Fprintf(out, "  queue:          %d (%s)\n", cfg.Pipeline.QueueCapacity, cfg.Pipeline.OverflowPolicy)
	fmt.Fprintf(out, "  outbound rate:  %g/s per observer, %g/s global\n", cfg.Governor.PerObserverRate, cfg.Governor.GlobalRate)
	fmt.Fprintf(out, "  observers:      %d\n", len(cfg.Observers))
	for _, o := range cfg.Observers {
		fmt.Fprintf(out, "    - %s\n", o.ID)
	}
	return nil
}
