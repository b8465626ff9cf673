// Package github implements registry.Client against the GitHub Actions
// self-hosted runner API for a single organization.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v65/github"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/terrpan/runnerguard/internal/registry"
)

const defaultHost = "github.com"

// Config holds the connection settings for the GitHub registry.
type Config struct {
	// URL is the organization URL runners register against, e.g.
	// https://github.com/my-org or https://ghes.example.com/my-org.
	URL string

	// APIURL overrides the REST endpoint. When empty it is derived from
	// URL: api.github.com for github.com, /api/v3/ on the same host for
	// GitHub Enterprise Server.
	APIURL string

	// Token is a personal access token. Ignored when AppID is set.
	Token string

	// GitHub App installation credentials.
	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// RequestsPerSecond and Burst bound the client-side request rate.
	// Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// RetryMax is the number of retries for 429 and 5xx responses.
	RetryMax int

	// TokenTTL is assumed for registration tokens returned without an
	// expiry. Default: 1h.
	TokenTTL time.Duration

	Logger *slog.Logger
}

// Client is a registry.Client backed by go-github.
type Client struct {
	gh       *gogithub.Client
	org      string
	url      string
	limiter  *rate.Limiter
	tokenTTL time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

var (
	_ registry.Client = (*Client)(nil)
	_ registry.Info   = (*Client)(nil)
)

// New builds a client. Requests go through a retrying transport and,
// when configured, a client-side rate limiter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing github url %q: %w", cfg.URL, err)
	}
	org := strings.Trim(u.Path, "/")
	if org == "" || strings.Contains(org, "/") {
		return nil, fmt.Errorf("github url %q must point at an organization", cfg.URL)
	}

	apiURL := cfg.APIURL
	if apiURL == "" && u.Host != defaultHost {
		apiURL = fmt.Sprintf("%s://%s/api/v3/", u.Scheme, u.Host)
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.RetryMax
	retry.Logger = cfg.Logger
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.HTTPClient.Timeout = 30 * time.Second
	base := retry.StandardClient()

	var httpClient *http.Client
	switch {
	case cfg.AppID != 0:
		itr, err := ghinstallation.New(base.Transport, cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("github app transport: %w", err)
		}
		if apiURL != "" {
			itr.BaseURL = strings.TrimSuffix(apiURL, "/")
		}
		httpClient = &http.Client{Transport: itr}
	case cfg.Token != "":
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	default:
		return nil, fmt.Errorf("no credentials provided")
	}

	gh := gogithub.NewClient(httpClient)
	if apiURL != "" {
		gh, err = gh.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("github enterprise urls: %w", err)
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		gh:       gh,
		org:      org,
		url:      strings.TrimSuffix(cfg.URL, "/"),
		limiter:  limiter,
		tokenTTL: cfg.TokenTTL,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("runnerguard/registry/github"),
		now:      time.Now,
	}, nil
}

// RegistrationURL returns the organization URL runners register against.
func (c *Client) RegistrationURL() string { return c.url }

// ListRunners returns every self-hosted runner in the organization,
// following pagination.
func (c *Client) ListRunners(ctx context.Context) ([]registry.Runner, error) {
	ctx, span := c.start(ctx, "ListRunners")
	defer span.End()

	opts := &gogithub.ListRunnersOptions{ListOptions: gogithub.ListOptions{PerPage: 100}}
	var out []registry.Runner
	for {
		if err := c.wait(ctx); err != nil {
			return nil, fail(span, "list runners", err)
		}
		page, resp, err := c.gh.Actions.ListOrganizationRunners(ctx, c.org, opts)
		if err != nil {
			_, err = translate(err)
			return nil, fail(span, "list runners", err)
		}
		for _, r := range page.Runners {
			out = append(out, convert(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	span.SetAttributes(attribute.Int("registry.runners", len(out)))
	return out, nil
}

func (c *Client) GetRunnerByID(ctx context.Context, id int64) (*registry.Runner, error) {
	ctx, span := c.start(ctx, "GetRunnerByID")
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return nil, fail(span, "get runner", err)
	}
	r, _, err := c.gh.Actions.GetOrganizationRunner(ctx, c.org, id)
	if err != nil {
		notFound, err := translate(err)
		if notFound {
			return nil, nil
		}
		return nil, fail(span, fmt.Sprintf("get runner %d", id), err)
	}
	out := convert(r)
	return &out, nil
}

func (c *Client) GetRunnerByName(ctx context.Context, name string) (*registry.Runner, error) {
	ctx, span := c.start(ctx, "GetRunnerByName")
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return nil, fail(span, "get runner", err)
	}
	opts := &gogithub.ListRunnersOptions{
		Name:        gogithub.String(name),
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	page, _, err := c.gh.Actions.ListOrganizationRunners(ctx, c.org, opts)
	if err != nil {
		notFound, err := translate(err)
		if notFound {
			return nil, nil
		}
		return nil, fail(span, fmt.Sprintf("get runner %q", name), err)
	}
	for _, r := range page.Runners {
		if r.GetName() == name {
			out := convert(r)
			return &out, nil
		}
	}
	return nil, nil
}

func (c *Client) DeleteRunner(ctx context.Context, id int64) (bool, error) {
	ctx, span := c.start(ctx, "DeleteRunner")
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return false, fail(span, "delete runner", err)
	}
	if _, err := c.gh.Actions.RemoveOrganizationRunner(ctx, c.org, id); err != nil {
		notFound, err := translate(err)
		if notFound {
			return false, nil
		}
		return false, fail(span, fmt.Sprintf("delete runner %d", id), err)
	}
	c.logger.Info("runner removed from registry", slog.Int64("runner_id", id))
	return true, nil
}

func (c *Client) CancelJob(ctx context.Context, repo string, runID int64) (bool, error) {
	ctx, span := c.start(ctx, "CancelJob")
	defer span.End()

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return false, fmt.Errorf("cancel run %d: repository %q is not owner/name", runID, repo)
	}
	if err := c.wait(ctx); err != nil {
		return false, fail(span, "cancel run", err)
	}
	_, err := c.gh.Actions.CancelWorkflowRunByID(ctx, owner, name, runID)
	if err == nil {
		return true, nil
	}
	// Cancellation is asynchronous; GitHub answers 202.
	var accepted *gogithub.AcceptedError
	if errors.As(err, &accepted) {
		return true, nil
	}
	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusConflict {
		// The run already finished.
		return false, nil
	}
	notFound, err := translate(err)
	if notFound {
		return false, nil
	}
	return false, fail(span, fmt.Sprintf("cancel run %d", runID), err)
}

func (c *Client) CreateRegistrationToken(ctx context.Context) (*registry.Credential, error) {
	ctx, span := c.start(ctx, "CreateRegistrationToken")
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return nil, fail(span, "create registration token", err)
	}
	tok, _, err := c.gh.Actions.CreateOrganizationRegistrationToken(ctx, c.org)
	if err != nil {
		_, err = translate(err)
		return nil, fail(span, "create registration token", err)
	}
	expires := tok.GetExpiresAt().Time
	if expires.IsZero() {
		expires = c.now().Add(c.tokenTTL)
	}
	return &registry.Credential{Token: tok.GetToken(), ExpiresAt: expires}, nil
}

func (c *Client) GenerateJITConfig(ctx context.Context, name string, groupID int64, labels []string) (*registry.JITCredential, error) {
	ctx, span := c.start(ctx, "GenerateJITConfig")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))

	if err := c.wait(ctx); err != nil {
		return nil, fail(span, "generate jit config", err)
	}
	cfg, _, err := c.gh.Actions.GenerateOrgJITConfig(ctx, c.org, &gogithub.GenerateJITConfigRequest{
		Name:          name,
		RunnerGroupID: groupID,
		Labels:        labels,
	})
	if err != nil {
		_, err = translate(err)
		return nil, fail(span, fmt.Sprintf("generate jit config for %q", name), err)
	}
	r := convert(cfg.GetRunner())
	return &registry.JITCredential{
		RunnerID:      r.ID,
		Name:          r.Name,
		EncodedConfig: cfg.GetEncodedJITConfig(),
		Labels:        r.Labels,
	}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Client) start(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "registry.github."+op)
	span.SetAttributes(attribute.String("github.org", c.org))
	return ctx, span
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for rate limiter: %w", registry.ErrNetwork, err)
	}
	return nil
}

func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%s: %w", op, err)
}

func convert(r *gogithub.Runner) registry.Runner {
	if r == nil {
		return registry.Runner{Status: registry.RunnerOffline}
	}
	out := registry.Runner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Status: registry.RunnerOffline,
		Busy:   r.GetBusy(),
	}
	if r.GetStatus() == string(registry.RunnerOnline) {
		out.Status = registry.RunnerOnline
	}
	for _, l := range r.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
