package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/merfy/sitehost/pkg/config"
)

// HTTPProvider talks to the real hosting provider API. Transient transport
// failures and 5xx responses are retried with bounded backoff before being
// surfaced to the orchestrator.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTP returns a provider client for the configured base URL.
func NewHTTP(cfg config.APIConfig, logger *slog.Logger) *HTTPProvider {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.ProviderBaseURL,
		token:   cfg.ProviderAuthToken,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type deployPayload struct {
	SiteID         string `json:"site_id"`
	DeploymentID   string `json:"deployment_id"`
	BuildID        string `json:"build_id"`
	ArtifactBucket string `json:"artifact_bucket"`
	ArtifactPrefix string `json:"artifact_prefix"`
}

type deployResponse struct {
	AppRef string `json:"app_ref"`
	EnvRef string `json:"env_ref"`
	URL    string `json:"url"`
}

// Deploy provisions (or reuses) the provider app/env and points it at the
// artifact tree.
func (p *HTTPProvider) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	payload := deployPayload{
		SiteID:         req.SiteID,
		DeploymentID:   req.DeploymentID,
		BuildID:        req.BuildID,
		ArtifactBucket: req.ArtifactBucket,
		ArtifactPrefix: req.ArtifactPrefix,
	}
	var parsed deployResponse
	if err := p.call(ctx, http.MethodPost, "/v1/deployments", payload, &parsed); err != nil {
		return DeployResult{}, err
	}
	return DeployResult{AppRef: parsed.AppRef, EnvRef: parsed.EnvRef, URL: parsed.URL}, nil
}

// Disable pauses serving for an env without deleting it.
func (p *HTTPProvider) Disable(ctx context.Context, appRef, envRef string) error {
	path := fmt.Sprintf("/v1/apps/%s/envs/%s/disable", appRef, envRef)
	return p.call(ctx, http.MethodPost, path, nil, nil)
}

// Enable resumes serving for a previously disabled env.
func (p *HTTPProvider) Enable(ctx context.Context, appRef, envRef string) error {
	path := fmt.Sprintf("/v1/apps/%s/envs/%s/enable", appRef, envRef)
	return p.call(ctx, http.MethodPost, path, nil, nil)
}

// BindDomain attaches a hostname to the app, triggering TLS issuance on the
// provider side.
func (p *HTTPProvider) BindDomain(ctx context.Context, appRef, domain string) error {
	path := fmt.Sprintf("/v1/apps/%s/domains", appRef)
	return p.call(ctx, http.MethodPost, path, map[string]string{"domain": domain}, nil)
}

func (p *HTTPProvider) call(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode provider payload: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.token != "" {
			req.Header.Set("Authorization", "Bearer "+p.token)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Warn("provider request failed", "method", method, "path", path, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			p.logger.Warn("provider returned server error", "path", path, "status", resp.Status)
			return retry.RetryableError(fmt.Errorf("provider %s: %s", path, resp.Status))
		}
		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("provider %s: %s: %s", path, resp.Status, bytes.TrimSpace(detail))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode provider response: %w", err)
			}
		}
		return nil
	})
}
