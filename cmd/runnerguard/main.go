package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/buildinfo"
	"github.com/terrpan/runnerguard/internal/config"
	"github.com/terrpan/runnerguard/internal/otel"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/provision"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/registry/github"
	"github.com/terrpan/runnerguard/internal/remediate"
	"github.com/terrpan/runnerguard/internal/sentry"
	"github.com/terrpan/runnerguard/internal/server"
	"github.com/terrpan/runnerguard/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgPath       string
	policyPath    string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerguard",
	Short: "Self-hosted GitHub Actions runner provisioning with label policy enforcement",
	Long: `runnerguard provisions self-hosted GitHub Actions runners on behalf of
users and teams, enforces per-subject label policies and quotas, and
periodically reconciles its runner records against the registry.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:          "reconcile",
	Short:        "Run a single reconciliation cycle and print its summary",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runReconcileOnce(ctx)
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage runner label policies",
}

var policyApplyCmd = &cobra.Command{
	Use:          "apply",
	Short:        "Upsert every policy in a policy file",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicyApply(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "runnerguard %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime)
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub organization URL (e.g. https://github.com/org)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (alternative to GitHub App)")
	f.Int64Var(&flagOverrides.GitHub.App.AppID, "app-id", 0, "GitHub App ID")
	f.StringVar(&flagOverrides.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")
	f.StringVar(&flagOverrides.GitHub.RunnerGroup, "runner-group", "", "Runner group name")

	// Storage / server / launcher overrides
	f.StringVar(&flagOverrides.Database.URL, "database-url", "", "Postgres connection string (empty keeps state in memory)")
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "HTTP listen address")
	f.StringVar(&flagOverrides.Policy.Enforcement, "enforcement", "", "Job enforcement mode (audit, enforce)")
	f.StringVar(&flagOverrides.Launcher.Type, "launcher", "", "Compute backend (none, docker, gcp)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	policyApplyCmd.Flags().StringVarP(&policyPath, "file", "f", "", "Path to the policy YAML file")
	_ = policyApplyCmd.MarkFlagRequired("file")

	policyCmd.AddCommand(policyApplyCmd)
	rootCmd.AddCommand(reconcileCmd, policyCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.App.AppID != 0 {
		cfg.GitHub.App.AppID = flagOverrides.GitHub.App.AppID
	}
	if flagOverrides.GitHub.App.ClientID != "" {
		cfg.GitHub.App.ClientID = flagOverrides.GitHub.App.ClientID
	}
	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	if flagOverrides.GitHub.App.PrivateKey != "" {
		cfg.GitHub.App.PrivateKey = flagOverrides.GitHub.App.PrivateKey
	}
	if flagOverrides.GitHub.App.PrivateKeyPath != "" {
		cfg.GitHub.App.PrivateKeyPath = flagOverrides.GitHub.App.PrivateKeyPath
	}
	if flagOverrides.GitHub.RunnerGroup != "" {
		cfg.GitHub.RunnerGroup = flagOverrides.GitHub.RunnerGroup
	}
	if flagOverrides.Database.URL != "" {
		cfg.Database.URL = flagOverrides.Database.URL
	}
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Policy.Enforcement != "" {
		cfg.Policy.Enforcement = flagOverrides.Policy.Enforcement
	}
	if flagOverrides.Launcher.Type != "" {
		cfg.Launcher.Type = flagOverrides.Launcher.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("launcher", cfg.Launcher.Type),
		slog.String("enforcement", cfg.Policy.Enforcement),
		slog.Duration("reconcileInterval", cfg.Reconcile.Interval),
	)

	// ---------------------------------------------------------------
	// 3. Error reporting and telemetry
	// ---------------------------------------------------------------
	if err := sentry.Init(cfg.Sentry, buildinfo.Version); err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	otelShutdown, err := otel.SetupOTelSDK(ctx, cfg.OTelSDKConfig())
	if err != nil {
		return fmt.Errorf("setting up opentelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shut down opentelemetry", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Open stores and seed policies
	// ---------------------------------------------------------------
	stores, err := cfg.NewStores(ctx, logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer stores.Close()

	if n, err := cfg.SeedPolicies(ctx, stores.Policies); err != nil {
		return fmt.Errorf("seeding policies: %w", err)
	} else if n > 0 {
		logger.Info("policies seeded", slog.String("file", cfg.Policy.File), slog.Int("count", n))
	}

	// ---------------------------------------------------------------
	// 5. Create registry client and resolve runner group
	// ---------------------------------------------------------------
	registryClient, err := cfg.NewRegistryClient(logger.WithGroup("registry"))
	if err != nil {
		return fmt.Errorf("creating registry client: %w", err)
	}

	groupID, err := cfg.ResolveRunnerGroupID(ctx)
	if err != nil {
		return err
	}
	logger.Info("runner group resolved",
		slog.String("name", cfg.GitHub.RunnerGroup),
		slog.Int64("id", groupID),
	)

	// ---------------------------------------------------------------
	// 6. Initialize launcher
	// ---------------------------------------------------------------
	l, err := cfg.NewLauncher(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing launcher: %w", err)
	}
	if l != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := l.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down launcher", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 7. Wire services
	// ---------------------------------------------------------------
	clk := clock.RealClock{}
	recorder := audit.NewRecorder(stores.Audit, clk, logger.WithGroup("audit"))
	evaluator := policy.NewEvaluator(cfg.SystemLabels())
	remover := remediate.New(remediate.Config{
		Store:    stores.Runners,
		Registry: registryClient,
		Launcher: l,
		Clock:    clk,
		Logger:   logger.WithGroup("remediate"),
		Retries:  uint64(cfg.Registry.RetryMax),
	})

	provisioner := provision.New(provision.Config{
		Store:             stores.Runners,
		Policies:          stores.Policies,
		Registry:          registryClient,
		Info:              registryClient,
		Evaluator:         evaluator,
		Recorder:          recorder,
		Remover:           remover,
		Launcher:          l,
		Clock:             clk,
		Logger:            logger.WithGroup("provision"),
		VerificationDelay: cfg.Provisioning.VerificationDelay,
		DefaultGroupID:    groupID,
		NameAttempts:      cfg.Provisioning.NameAttempts,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := provisioner.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop verifications", slog.String("error", err.Error()))
		}
	}()

	engine := newEngine(cfg, stores, registryClient, evaluator, recorder, remover, clk, logger)

	hook := webhook.New(webhook.Config{
		Store:     stores.Runners,
		Policies:  stores.Policies,
		Registry:  registryClient,
		Evaluator: evaluator,
		Recorder:  recorder,
		Secret:    []byte(cfg.Server.WebhookSecret),
		Mode:      webhook.Mode(cfg.Policy.Enforcement),
		Logger:    logger.WithGroup("webhook"),
	})
	if cfg.Server.WebhookSecret == "" {
		logger.Warn("no webhook secret configured, webhook signatures are not verified")
	}

	srv := server.New(server.Config{
		Runners:              provisioner,
		Cycles:               engine,
		Events:               stores.Audit,
		Policies:             stores.Policies,
		Webhook:              hook,
		Identity:             cfg.Server.Identity,
		Launcher:             cfg.Launcher.Type,
		EnableRequestLogging: cfg.Server.RequestLogging,
		Logger:               logger.WithGroup("server"),
	})

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Start(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx, ln)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}

func newEngine(
	cfg *config.Config,
	stores *config.Stores,
	registryClient *github.Client,
	evaluator *policy.Evaluator,
	recorder *audit.Recorder,
	remover *remediate.Remover,
	clk clock.WithTicker,
	logger *slog.Logger,
) *reconcile.Engine {
	return reconcile.New(reconcile.Config{
		Store:             stores.Runners,
		Policies:          stores.Policies,
		Registry:          registryClient,
		Evaluator:         evaluator,
		Recorder:          recorder,
		Remover:           remover,
		History:           stores.History,
		Clock:             clk,
		Logger:            logger.WithGroup("reconcile"),
		Interval:          cfg.Reconcile.Interval,
		RunOnStartup:      *cfg.Reconcile.RunOnStartup,
		DeleteBusyDrifted: cfg.Reconcile.DeleteBusyDrifted,
		Concurrency:       cfg.Reconcile.Concurrency,
		StalePendingAfter: cfg.Reconcile.StalePendingAfter,
		CycleTimeout:      cfg.Reconcile.CycleTimeout,
	})
}

// runReconcileOnce runs one cycle against the configured store and prints
// the summary as JSON. Launched instances are not destroyed from here.
func runReconcileOnce(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	stores, err := cfg.NewStores(ctx, logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer stores.Close()

	registryClient, err := cfg.NewRegistryClient(logger.WithGroup("registry"))
	if err != nil {
		return fmt.Errorf("creating registry client: %w", err)
	}

	clk := clock.RealClock{}
	recorder := audit.NewRecorder(stores.Audit, clk, logger.WithGroup("audit"))
	remover := remediate.New(remediate.Config{
		Store:    stores.Runners,
		Registry: registryClient,
		Clock:    clk,
		Logger:   logger.WithGroup("remediate"),
		Retries:  uint64(cfg.Registry.RetryMax),
	})
	engine := newEngine(cfg, stores, registryClient, policy.NewEvaluator(cfg.SystemLabels()), recorder, remover, clk, logger)

	summary, err := engine.RunCycleOnce(ctx)
	if err != nil {
		return fmt.Errorf("running reconciliation cycle: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if summary.Error != "" {
		return fmt.Errorf("reconciliation cycle failed: %s", summary.Error)
	}
	return nil
}

func runPolicyApply(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)
	cfg.ApplyDefaults()
	logger := cfg.NewLogger()

	if cfg.Database.URL == "" {
		return errors.New("policy apply needs database.url: in-memory policies do not outlive this command")
	}

	stores, err := cfg.NewStores(ctx, logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer stores.Close()

	n, err := config.ApplyPolicyFile(ctx, policyPath, stores.Policies)
	if err != nil {
		return err
	}
	logger.Info("policies applied", slog.String("file", policyPath), slog.Int("count", n))
	return nil
}
