// Package satellite finds recent Sentinel scenes through a STAC API and samples
// their bands onto the estimation grid.
package satellite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/robert-malhotra/biomass-estimator/internal/config"
)

// ErrNoScene is returned when no scene satisfies a band group query.
var ErrNoScene = errors.New("no matching scene")

// ErrUpstream is returned when the STAC API fails.
var ErrUpstream = errors.New("STAC API request failed")

// Client handles communication with a STAC API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new STAC API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger for the client
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// HTTPClient returns the underlying client, shared with band reads.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Search performs an item search against the STAC API
func (c *Client) Search(ctx context.Context, params SearchParams) (*ItemCollection, error) {
	searchURL, err := c.buildSearchURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build search URL: %w", err)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	c.logger.DebugContext(ctx, "executing STAC search",
		slog.String("url", searchURL),
		slog.String("body", string(body)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/geo+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "biomass-estimator/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "STAC API request failed",
			slog.String("error", err.Error()),
			slog.String("url", searchURL),
		)
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "STAC API returned non-200 status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(respBody)),
		)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, string(respBody))
	}

	var result ItemCollection
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.ErrorContext(ctx, "failed to decode STAC response",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrUpstream, err)
	}

	c.logger.DebugContext(ctx, "STAC search completed",
		slog.Int("feature_count", len(result.Features)),
	)

	return &result, nil
}

// Latest returns the most recent scene for a band group intersecting bbox.
func (c *Client) Latest(ctx context.Context, group *config.BandGroup, bbox orb.Bound, maxCloudCover float64, start, end time.Time) (*Scene, error) {
	result, err := c.Search(ctx, SceneQuery(group, bbox, maxCloudCover, start, end))
	if err != nil {
		return nil, err
	}
	if len(result.Features) == 0 || result.Features[0] == nil {
		c.logger.WarnContext(ctx, "no scene found",
			slog.String("group", group.ID),
			slog.String("collection", group.Collection),
		)
		return nil, fmt.Errorf("%w: group %s in collection %s", ErrNoScene, group.ID, group.Collection)
	}
	return &Scene{Group: group.ID, Item: result.Features[0]}, nil
}

// buildSearchURL constructs the item search endpoint URL
func (c *Client) buildSearchURL() (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid base URL %q", c.baseURL)
	}

	base.Path = strings.TrimRight(base.Path, "/") + "/search"
	return base.String(), nil
}
