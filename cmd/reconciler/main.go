package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/testofthings/reconciler-go/internal/builder"
	"github.com/testofthings/reconciler-go/internal/engine"
	"github.com/testofthings/reconciler-go/internal/loader"
	"github.com/testofthings/reconciler-go/internal/report"
	"github.com/testofthings/reconciler-go/internal/repository"
	"github.com/testofthings/reconciler-go/internal/version"
)

// DependencyProvider allows injection for testability
// (in production, use real implementations)
type DependencyProvider struct {
	Repository repository.Repository
	Out        io.Writer
	LogOut     io.Writer
}

// newRootCmd wires up the CLI with the given dependencies
func newRootCmd(provider *DependencyProvider) *cobra.Command {
	var (
		pcapFiles  []string
		flowLogs   []string
		claimFiles []string
		dbPath     string
		format     string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "reconciler",
		Short: "Reconciler - Check observed network evidence against a declared IoT system",
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile <topology.yaml>",
		Short: "Reconcile evidence files against a declared topology and report verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := provider.Out
			if out == nil {
				out = os.Stdout
			}
			logOut := provider.LogOut
			if logOut == nil {
				logOut = os.Stderr
			}
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: logOut}).
				Level(level).With().Timestamp().Logger()

			system, err := builder.LoadTopology(args[0])
			if err != nil {
				return err
			}
			inspector := engine.NewInspector(system, logger)

			var repo repository.Repository
			if dbPath != "" {
				repo = provider.Repository
				if repo == nil {
					repo, err = repository.NewSQLiteRepository(dbPath)
					if err != nil {
						return fmt.Errorf("failed to open database: %w", err)
					}
				}
				defer repo.Close()
			}

			logEvent := func(kind, source string, stats loader.Stats) error {
				if repo == nil {
					return nil
				}
				return repo.LogEvent(&repository.EventRecord{
					Source: source,
					Kind:   kind,
					Detail: fmt.Sprintf("flows=%d names=%d properties=%d scans=%d skipped=%d",
						stats.Flows, stats.Names, stats.Properties, stats.Scans, stats.Skipped),
				})
			}

			for _, path := range pcapFiles {
				reader := loader.NewPcapReader(path, logger)
				stats, err := reader.Load(inspector)
				if err != nil {
					return err
				}
				if err := logEvent("pcap", reader.Source().Name, stats); err != nil {
					return err
				}
			}
			for _, path := range flowLogs {
				reader := loader.NewFlowLogReader(path, logger)
				stats, err := reader.Load(inspector)
				if err != nil {
					return err
				}
				if err := logEvent("flows", reader.Source().Name, stats); err != nil {
					return err
				}
			}
			for _, path := range claimFiles {
				reader := loader.NewClaimsReader(path, logger)
				stats, err := reader.Load(inspector)
				if err != nil {
					return err
				}
				if err := logEvent("claims", reader.Source().Name, stats); err != nil {
					return err
				}
			}

			result := report.Build(system)
			switch format {
			case "csv":
				if err := result.WriteCSV(out); err != nil {
					return err
				}
			case "", "table":
				if err := result.WriteText(out); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown output format %q", format)
			}

			if repo != nil {
				if err := repo.SaveModel(system); err != nil {
					return fmt.Errorf("failed to persist model: %w", err)
				}
			}

			if failures := result.Failures(); failures > 0 {
				logger.Warn().Int("failures", failures).Msg("reconciliation found failures")
			}
			return nil
		},
	}
	reconcileCmd.Flags().StringArrayVar(&pcapFiles, "pcap", nil, "Capture file to load as evidence (repeatable)")
	reconcileCmd.Flags().StringArrayVar(&flowLogs, "flows", nil, "JSON flow log to load as evidence (repeatable)")
	reconcileCmd.Flags().StringArrayVar(&claimFiles, "claims", nil, "YAML claims file to load as evidence (repeatable)")
	reconcileCmd.Flags().StringVar(&dbPath, "db-path", "", "Persist results into the SQLite database at this path")
	reconcileCmd.Flags().StringVar(&format, "format", "table", "Output format: table, csv")
	reconcileCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := provider.Out
			if out == nil {
				out = os.Stdout
			}
			fmt.Fprintln(out, version.GetFullVersion())
		},
	}

	rootCmd.AddCommand(reconcileCmd, versionCmd)
	return rootCmd
}

func main() {
	provider := &DependencyProvider{}
	rootCmd := newRootCmd(provider)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
