// Package config handles loading, validating, and applying configuration
// for runnerguard. Configuration is read from a YAML file and can be
// overridden by CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/actions/scaleset"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/buildinfo"
	"github.com/terrpan/runnerguard/internal/launcher"
	"github.com/terrpan/runnerguard/internal/launcher/docker"
	"github.com/terrpan/runnerguard/internal/launcher/gcp"
	"github.com/terrpan/runnerguard/internal/otel"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/registry/github"
	"github.com/terrpan/runnerguard/internal/runner"
	"github.com/terrpan/runnerguard/internal/sentry"
	"github.com/terrpan/runnerguard/internal/server"
	"github.com/terrpan/runnerguard/internal/store/memory"
	"github.com/terrpan/runnerguard/internal/store/postgres"
	"github.com/terrpan/runnerguard/internal/webhook"
)

// Launcher types.
const (
	LauncherNone   = "none"
	LauncherDocker = "docker"
	LauncherGCP    = "gcp"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub       GitHubConfig       `yaml:"github"`
	Registry     RegistryConfig     `yaml:"registry"`
	Database     DatabaseConfig     `yaml:"database"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Policy       PolicyConfig       `yaml:"policy"`
	Launcher     LauncherConfig     `yaml:"launcher"`
	Server       ServerConfig       `yaml:"server"`
	Sentry       sentry.Config      `yaml:"sentry"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTel         OTelConfig         `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub / registry
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the organization runners register
// against.
type GitHubConfig struct {
	// URL is the organization URL, e.g. https://github.com/my-org.
	URL string `yaml:"url"`

	// APIURL overrides the REST endpoint (GitHub Enterprise Server).
	APIURL string `yaml:"api_url"`

	// App holds GitHub App credentials (recommended).
	App GitHubAppConfig `yaml:"app"`

	// Token is a personal access token (alternative to App).
	Token string `yaml:"token"`

	// RunnerGroup is the runner group new runners join unless the request
	// names one. Default: "default".
	RunnerGroup string `yaml:"runner_group"`
}

// GitHubAppConfig holds GitHub App installation credentials. The key can
// be given inline or read from PrivateKeyPath.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey wins over PrivateKeyPath when both are set.
	PrivateKey string `yaml:"private_key"`
}

// RegistryConfig bounds how hard runnerguard drives the registry API.
type RegistryConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	RetryMax          int     `yaml:"retry_max"`
}

// DatabaseConfig selects the store. An empty URL keeps all state in
// memory, which does not survive a restart.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ---------------------------------------------------------------------------
// Reconciliation / provisioning / policy
// ---------------------------------------------------------------------------

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	// RunOnStartup defaults to true.
	RunOnStartup      *bool         `yaml:"run_on_startup"`
	DeleteBusyDrifted bool          `yaml:"delete_busy_drifted"`
	Concurrency       int           `yaml:"concurrency"`
	StalePendingAfter time.Duration `yaml:"stale_pending_after"`
	CycleTimeout      time.Duration `yaml:"cycle_timeout"`
}

type ProvisioningConfig struct {
	VerificationDelay time.Duration `yaml:"verification_delay"`
	// DefaultGroupID overrides github.runner_group when set.
	DefaultGroupID       int64         `yaml:"default_group_id"`
	RegistrationTokenTTL time.Duration `yaml:"registration_token_ttl"`
	NameAttempts         int           `yaml:"name_attempts"`
}

type PolicyConfig struct {
	// Enforcement is "audit" or "enforce" and applies to jobs that start
	// on a non-compliant runner.
	Enforcement         string   `yaml:"enforcement"`
	SystemLabelPrefixes []string `yaml:"system_label_prefixes"`
	SystemLabelNames    []string `yaml:"system_label_names"`
	// File seeds policies at startup.
	File string `yaml:"file"`
}

// ---------------------------------------------------------------------------
// Launcher
// ---------------------------------------------------------------------------

// LauncherConfig selects the compute backend that starts JIT runners.
type LauncherConfig struct {
	// Type is "none" (default), "docker" or "gcp".
	Type   string               `yaml:"type"`
	Docker DockerLauncherConfig `yaml:"docker"`
	GCP    GCPLauncherConfig    `yaml:"gcp"`
}

type DockerLauncherConfig struct {
	// Image defaults to ghcr.io/actions/actions-runner:latest.
	Image   string `yaml:"image"`
	Dind    bool   `yaml:"dind"`
	Network string `yaml:"network"`
}

// GCPLauncherConfig uses Application Default Credentials; no credential
// fields are needed.
type GCPLauncherConfig struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	Image       string `yaml:"image"`
	DiskSizeGB  int64  `yaml:"disk_size_gb"`
	Network     string `yaml:"network"`
	Subnet      string `yaml:"subnet"`
	// PublicIP defaults to true.
	PublicIP       *bool  `yaml:"public_ip"`
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Server / logging / otel
// ---------------------------------------------------------------------------

type ServerConfig struct {
	// Listen is the address of the HTTP server. Default: ":8080".
	Listen        string `yaml:"listen"`
	WebhookSecret string `yaml:"webhook_secret"`
	// RequestLogging logs every request at info level.
	RequestLogging bool                  `yaml:"request_logging"`
	Identity       server.IdentityConfig `yaml:"identity"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	StdOut      bool    `yaml:"stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path. A missing file yields a zero
// Config, to be filled by flag overrides before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.RunnerGroup == "" {
		c.GitHub.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if c.Registry.RequestsPerSecond == 0 {
		c.Registry.RequestsPerSecond = 10
	}
	if c.Registry.Burst == 0 {
		c.Registry.Burst = 20
	}
	if c.Registry.RetryMax == 0 {
		c.Registry.RetryMax = 3
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = reconcile.DefaultInterval
	}
	if c.Reconcile.RunOnStartup == nil {
		t := true
		c.Reconcile.RunOnStartup = &t
	}
	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = reconcile.DefaultConcurrency
	}
	if c.Reconcile.StalePendingAfter == 0 {
		c.Reconcile.StalePendingAfter = reconcile.DefaultStalePendingAfter
	}
	if c.Reconcile.CycleTimeout == 0 {
		c.Reconcile.CycleTimeout = reconcile.DefaultCycleTimeout
	}
	if c.Provisioning.VerificationDelay == 0 {
		c.Provisioning.VerificationDelay = 60 * time.Second
	}
	if c.Provisioning.RegistrationTokenTTL == 0 {
		c.Provisioning.RegistrationTokenTTL = time.Hour
	}
	if c.Policy.Enforcement == "" {
		c.Policy.Enforcement = string(webhook.ModeAudit)
	}
	if c.Policy.SystemLabelPrefixes == nil && c.Policy.SystemLabelNames == nil {
		def := policy.DefaultSystemLabels()
		c.Policy.SystemLabelPrefixes = def.Prefixes
		c.Policy.SystemLabelNames = def.Names
	}
	if c.Launcher.Type == "" {
		c.Launcher.Type = LauncherNone
	}
	if c.Launcher.Docker.Image == "" {
		c.Launcher.Docker.Image = docker.DefaultImage
	}
	if c.Launcher.GCP.MachineType == "" {
		c.Launcher.GCP.MachineType = "e2-medium"
	}
	if c.Launcher.GCP.DiskSizeGB == 0 {
		c.Launcher.GCP.DiskSizeGB = 50
	}
	if c.Launcher.GCP.PublicIP == nil {
		t := true
		c.Launcher.GCP.PublicIP = &t
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate applies defaults and checks that required fields are present
// and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	u, err := url.ParseRequestURI(c.GitHub.URL)
	if err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if org := strings.Trim(u.Path, "/"); org == "" || strings.Contains(org, "/") {
		return fmt.Errorf("github.url: %q must point at an organization", c.GitHub.URL)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.Registry.RequestsPerSecond < 0 {
		return errors.New("registry.requests_per_second must not be negative")
	}
	if c.Reconcile.Interval < time.Second {
		return fmt.Errorf("reconcile.interval %s is below the 1s minimum", c.Reconcile.Interval)
	}
	if c.Reconcile.Concurrency < 1 {
		return errors.New("reconcile.concurrency must be at least 1")
	}
	if c.Provisioning.DefaultGroupID < 0 {
		return errors.New("provisioning.default_group_id must not be negative")
	}

	if !webhook.Mode(c.Policy.Enforcement).Valid() {
		return fmt.Errorf("policy.enforcement %q is not supported (supported: audit, enforce)", c.Policy.Enforcement)
	}

	switch c.Launcher.Type {
	case LauncherNone, LauncherDocker:
	case LauncherGCP:
		if c.Launcher.GCP.Project == "" {
			return errors.New(`launcher.gcp.project is required when launcher.type is "gcp"`)
		}
		if c.Launcher.GCP.Zone == "" {
			return errors.New(`launcher.gcp.zone is required when launcher.type is "gcp"`)
		}
		if c.Launcher.GCP.Image == "" {
			return errors.New(`launcher.gcp.image is required when launcher.type is "gcp"`)
		}
	default:
		return fmt.Errorf("launcher.type %q is not supported (supported: none, docker, gcp)", c.Launcher.Type)
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	return nil
}

func (c *Config) validateAuth() error {
	app := c.GitHub.App
	hasToken := c.GitHub.Token != ""
	hasApp := app.AppID != 0 || app.ClientID != "" || app.InstallationID != 0 ||
		app.PrivateKey != "" || app.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return errors.New("no credentials: provide github.app (recommended) or github.token")
	}
	if !hasApp {
		return nil
	}
	if app.AppID == 0 {
		return errors.New("github.app.app_id is required when using GitHub App auth")
	}
	if app.InstallationID == 0 {
		return errors.New("github.app.installation_id is required when using GitHub App auth")
	}
	if app.PrivateKey == "" && app.PrivateKeyPath == "" {
		return errors.New("github.app.private_key or github.app.private_key_path is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSDKConfig converts the otel section. The Prometheus reader is always
// on because the server exposes /metrics.
func (c *Config) OTelSDKConfig() otel.Config {
	return otel.Config{
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		Insecure:    c.OTel.Insecure,
		StdOut:      c.OTel.StdOut,
		Prometheus:  true,
		SampleRatio: c.OTel.SampleRatio,
	}
}

// SystemLabels returns the labels exempt from policy comparison.
func (c *Config) SystemLabels() policy.SystemLabels {
	return policy.SystemLabels{
		Prefixes: c.Policy.SystemLabelPrefixes,
		Names:    c.Policy.SystemLabelNames,
	}
}

// NewRegistryClient creates the GitHub registry client using the
// configured credentials (GitHub App or PAT).
func (c *Config) NewRegistryClient(logger *slog.Logger) (*github.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}
	cfg := github.Config{
		URL:               c.GitHub.URL,
		APIURL:            c.GitHub.APIURL,
		RequestsPerSecond: c.Registry.RequestsPerSecond,
		Burst:             c.Registry.Burst,
		RetryMax:          c.Registry.RetryMax,
		TokenTTL:          c.Provisioning.RegistrationTokenTTL,
		Logger:            logger,
	}
	if c.GitHub.App.AppID != 0 {
		cfg.AppID = c.GitHub.App.AppID
		cfg.InstallationID = c.GitHub.App.InstallationID
		cfg.PrivateKey = []byte(c.GitHub.App.PrivateKey)
	} else {
		cfg.Token = c.GitHub.Token
	}
	return github.New(cfg)
}

// NewScalesetClient creates a scaleset.Client, used to resolve runner
// group names.
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	sysInfo := scaleset.SystemInfo{
		System:    "runnerguard",
		Subsystem: "server",
		Version:   buildinfo.Version,
		CommitSHA: buildinfo.Commit,
	}

	if c.GitHub.App.AppID != 0 {
		// GitHub accepts either the client id or the app id as JWT issuer.
		clientID := c.GitHub.App.ClientID
		if clientID == "" {
			clientID = strconv.FormatInt(c.GitHub.App.AppID, 10)
		}
		return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
			GitHubConfigURL: c.GitHub.URL,
			GitHubAppAuth: scaleset.GitHubAppAuth{
				ClientID:       clientID,
				InstallationID: c.GitHub.App.InstallationID,
				PrivateKey:     c.GitHub.App.PrivateKey,
			},
			SystemInfo: sysInfo,
		})
	}

	return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
		GitHubConfigURL:     c.GitHub.URL,
		PersonalAccessToken: c.GitHub.Token,
		SystemInfo:          sysInfo,
	})
}

// ResolveRunnerGroupID returns the group id new runners join. An explicit
// provisioning.default_group_id wins; the default group is always id 1;
// any other name is looked up in the registry.
func (c *Config) ResolveRunnerGroupID(ctx context.Context) (int64, error) {
	if id, ok := c.staticRunnerGroupID(); ok {
		return id, nil
	}
	client, err := c.NewScalesetClient()
	if err != nil {
		return 0, fmt.Errorf("creating scaleset client: %w", err)
	}
	return c.lookupRunnerGroupID(ctx, func(ctx context.Context, name string) (int64, error) {
		rg, err := client.GetRunnerGroupByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return int64(rg.ID), nil
	})
}

func (c *Config) staticRunnerGroupID() (int64, bool) {
	if c.Provisioning.DefaultGroupID > 0 {
		return c.Provisioning.DefaultGroupID, true
	}
	if c.GitHub.RunnerGroup == scaleset.DefaultRunnerGroup {
		return 1, true
	}
	return 0, false
}

func (c *Config) lookupRunnerGroupID(ctx context.Context, lookup func(ctx context.Context, name string) (int64, error)) (int64, error) {
	if id, ok := c.staticRunnerGroupID(); ok {
		return id, nil
	}
	id, err := lookup(ctx, c.GitHub.RunnerGroup)
	if err != nil {
		return 0, fmt.Errorf("looking up runner group %q: %w", c.GitHub.RunnerGroup, err)
	}
	return id, nil
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// NewLauncher creates the compute backend selected by launcher.type. It
// returns nil for "none".
func (c *Config) NewLauncher(ctx context.Context, logger *slog.Logger) (launcher.Launcher, error) {
	switch c.Launcher.Type {
	case LauncherNone:
		return nil, nil
	case LauncherDocker:
		return docker.New(ctx, docker.Config{
			Image:   c.Launcher.Docker.Image,
			Dind:    c.Launcher.Docker.Dind,
			Network: c.Launcher.Docker.Network,
		}, logger.WithGroup("launcher.docker"))
	case LauncherGCP:
		return gcp.New(ctx, gcp.Config{
			Project:        c.Launcher.GCP.Project,
			Zone:           c.Launcher.GCP.Zone,
			MachineType:    c.Launcher.GCP.MachineType,
			Image:          c.Launcher.GCP.Image,
			DiskSizeGB:     c.Launcher.GCP.DiskSizeGB,
			Network:        c.Launcher.GCP.Network,
			Subnet:         c.Launcher.GCP.Subnet,
			PublicIP:       *c.Launcher.GCP.PublicIP,
			ServiceAccount: c.Launcher.GCP.ServiceAccount,
		}, logger.WithGroup("launcher.gcp"))
	default:
		return nil, fmt.Errorf("unsupported launcher type: %s", c.Launcher.Type)
	}
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

// PolicyStore reads and writes policies.
type PolicyStore interface {
	policy.Store
	policy.Writer
}

// Stores groups the persistence backends.
type Stores struct {
	Runners  runner.Store
	Policies PolicyStore
	Audit    audit.Sink
	History  reconcile.HistoryStore
	// Backend is "memory" or "postgres".
	Backend string

	close func()
}

// Close releases the database connections, if any.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// NewStores opens the postgres store when database.url is set and falls
// back to in-memory stores otherwise.
func (c *Config) NewStores(ctx context.Context, logger *slog.Logger) (*Stores, error) {
	if c.Database.URL == "" {
		logger.Warn("no database configured, state is kept in memory and lost on restart")
		m := memory.New()
		return &Stores{
			Runners:  m,
			Policies: m,
			Audit:    m,
			History:  reconcile.NewMemoryHistory(reconcile.DefaultHistorySize),
			Backend:  "memory",
		}, nil
	}

	db, err := postgres.Open(ctx, logger.WithGroup("postgres"), c.Database.URL)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Runners:  db,
		Policies: db,
		Audit:    db,
		History:  db,
		Backend:  "postgres",
		close:    db.Close,
	}, nil
}

// SeedPolicies writes every policy in policy.file to store. It is a no-op
// when no file is configured.
func (c *Config) SeedPolicies(ctx context.Context, store policy.Writer) (int, error) {
	if c.Policy.File == "" {
		return 0, nil
	}
	return ApplyPolicyFile(ctx, c.Policy.File, store)
}

// ApplyPolicyFile loads path and upserts each entry into store.
func ApplyPolicyFile(ctx context.Context, path string, store policy.Writer) (int, error) {
	f, err := policy.LoadFile(path)
	if err != nil {
		return 0, err
	}
	entries := f.Entries()
	for _, e := range entries {
		if err := store.Put(ctx, e.Subject, e.Policy); err != nil {
			return 0, fmt.Errorf("applying policy for %s: %w", e.Subject, err)
		}
	}
	return len(entries), nil
}
