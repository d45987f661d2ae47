package fragment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Renderer produces fresh fragment markup for one component kind of a site.
type Renderer interface {
	Render(ctx context.Context, siteID, kind string) ([]byte, error)
}

// HTTPRenderer calls the external fragment-rendering service.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer returns a renderer client for the configured base URL.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRenderer{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Render posts a render request and returns the rendered bytes.
func (r *HTTPRenderer) Render(ctx context.Context, siteID, kind string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"site_id": siteID, "kind": kind})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s/%s: %w", siteID, kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("render %s/%s: %s", siteID, kind, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
