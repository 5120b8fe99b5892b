package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oasisops/oasis/internal/advisory"
	"github.com/oasisops/oasis/internal/api"
	"github.com/oasisops/oasis/internal/approval"
	"github.com/oasisops/oasis/internal/config"
	"github.com/oasisops/oasis/internal/engine"
	"github.com/oasisops/oasis/internal/executor"
	"github.com/oasisops/oasis/internal/logging"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/notifications"
	"github.com/oasisops/oasis/internal/simulator"
	"github.com/oasisops/oasis/internal/telemetry"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "oasis",
	Short:   "OASIS - incident lifecycle engine",
	Long:    `OASIS detects anomalies in service telemetry, correlates them into findings, and drives approval-gated remediation.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("OASIS %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection loop and the approval HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run exactly one detection invocation and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck()
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Seed the telemetry store with synthetic service telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("days", 7, "days of baseline history to backfill")
	simulateCmd.Flags().String("incident-service", "", "service to inject an error storm into")
	simulateCmd.Flags().Float64("spike", 12, "error-rate multiplier for the injected incident")
	simulateCmd.Flags().Bool("deployment", true, "emit a deployment marker before the incident")
	simulateCmd.Flags().Int64("seed", 0, "random seed (0 = time-based)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads config, initializes logging, and opens the store.
func bootstrap() (*config.Config, *telemetry.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logging.Init(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	store, err := telemetry.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// assemble wires the full pipeline for serve and check.
func assemble(cfg *config.Config, store *telemetry.Store) (*engine.Engine, *approval.Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	provider, err := advisory.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	advisor := advisory.NewGateway(provider, cfg.AdvisoryModel)

	var dispatcher *notifications.Dispatcher
	if cfg.EmailEnabled() {
		dispatcher = notifications.New(notifications.Config{
			Email: notifications.EmailConfig{
				SMTPHost: cfg.SMTPHost,
				SMTPPort: cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				StartTLS: cfg.SMTPStartTLS,
				From:     cfg.EmailFrom,
				To:       cfg.EmailTo,
			},
			PublicURL:  cfg.PublicURL,
			MaxRetries: cfg.NotifyRetries,
		})
	} else {
		log.Warn().Msg("Email not configured, notifications disabled")
	}

	var notifier engine.Notifier
	if dispatcher != nil {
		notifier = dispatcher
	}
	eng := engine.New(store, cfg, advisor, notifier)

	var runner executor.ActionRunner
	if cfg.ActionEndpoint != "" {
		runner = executor.NewHTTPRunner(cfg.ActionEndpoint, cfg.ActionTimeout)
	} else {
		log.Warn().Msg("No action endpoint configured, remediation runs dry")
		runner = executor.DryRunner{}
	}
	var execNotifier executor.Notifier
	if dispatcher != nil {
		execNotifier = dispatcher
	}
	exec := executor.New(eng.Lifecycle(), runner, execNotifier, executor.Config{
		MaxAttempts: cfg.ActionRetries,
	})
	eng.SetRemediator(exec)

	receiver := approval.NewReceiver(store, eng.Lifecycle())
	receiver.OnApproved = func(f *models.Finding) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.InvocationBudget)
			defer cancel()
			if err := exec.Execute(ctx, f); err != nil {
				log.Error().Err(err).Str("finding_id", f.ID).Msg("Remediation run failed")
			}
		}()
	}

	return eng, receiver, nil
}

func runServe() error {
	cfg, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	eng, receiver, err := assemble(cfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Dur("check_interval", cfg.CheckInterval).
		Msg("OASIS starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.New(cfg.ListenAddr, receiver).Run(gctx)
	})
	g.Go(func() error {
		return eng.Serve(gctx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal signal-driven shutdown.
		return nil
	}
	return err
}

func runCheck() error {
	cfg, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	eng, _, err := assemble(cfg, store)
	if err != nil {
		return err
	}
	return eng.RunDetection(context.Background())
}

func runSimulate(cmd *cobra.Command) error {
	cfg, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	days, _ := cmd.Flags().GetInt("days")
	service, _ := cmd.Flags().GetString("incident-service")
	spike, _ := cmd.Flags().GetFloat64("spike")
	deployment, _ := cmd.Flags().GetBool("deployment")
	seed, _ := cmd.Flags().GetInt64("seed")

	opts := simulator.Options{
		BaselineDays: days,
		Window:       cfg.CheckInterval,
		Seed:         seed,
	}
	if service != "" {
		opts.Incident = &simulator.Incident{
			Service:        service,
			SpikeFactor:    spike,
			WithDeployment: deployment,
		}
	}
	return simulator.New(store, seed).Run(context.Background(), opts)
}
