package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/robert-malhotra/biomass-estimator/internal/api"
	"github.com/robert-malhotra/biomass-estimator/internal/stats"
)

// Estimate is the metadata of a returned estimation raster.
type Estimate struct {
	ID         string         `json:"id"`
	Statistics []stats.Record `json:"statistics"`
	Bytes      int64          `json:"bytes"`
}

// Client talks to a biomass estimation server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Estimate posts region to the strategy endpoint and streams the GeoTIFF to out.
func (c *Client) Estimate(ctx context.Context, strategy string, region io.Reader, out io.Writer) (*Estimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/biomass/"+strategy, region)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/geo+json")
	req.Header.Set("Accept", api.TIFFContentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	est := &Estimate{ID: resp.Header.Get(api.EstimationIDHeader)}
	if err := json.Unmarshal([]byte(resp.Header.Get(api.StatisticsHeader)), &est.Statistics); err != nil {
		return nil, fmt.Errorf("invalid statistics header: %w", err)
	}

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoTIFF: %w", err)
	}
	est.Bytes = n
	return est, nil
}

// Catalog fetches the catalog coverage as raw GeoJSON.
func (c *Client) Catalog(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/biomass/catalog", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid catalog response: %w", err)
	}
	return raw, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr api.APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Description == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if apiErr.RequestID != "" {
		return fmt.Errorf("server returned %s: %s (request %s)", resp.Status, apiErr.Description, apiErr.RequestID)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, apiErr.Description)
}

func runEstimate(cmd *cobra.Command, strategy, regionPath string) (err error) {
	region, err := os.Open(regionPath)
	if err != nil {
		return err
	}
	defer region.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := NewClient(serverURL, token, &http.Client{})
	est, err := client.Estimate(ctx, strategy, region, out)
	if err != nil {
		return err
	}

	if statsPath != "" {
		b, err := json.MarshalIndent(est, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(statsPath, b, 0o644); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "estimate %s saved to %s (%d bytes)\n", est.ID, outPath, est.Bytes)
	return printStatistics(cmd.OutOrStdout(), est.Statistics)
}

func printStatistics(w io.Writer, records []stats.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\n", r.Name, r.Value, r.Unit)
	}
	return tw.Flush()
}

func runCatalog(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	raw, err := NewClient(serverURL, "", &http.Client{}).Catalog(ctx)
	if err != nil {
		return err
	}

	var fc struct {
		Features []struct {
			Properties api.CatalogProperties `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("invalid catalog response: %w", err)
	}
	if len(fc.Features) == 0 {
		return errors.New("catalog is empty")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tCRS\tSIZE\tREF")
	for _, f := range fc.Features {
		p := f.Properties
		fmt.Fprintf(tw, "%d\t%s\t%dx%d\t%s\n", p.Index, p.CRS, p.Width, p.Height, p.Ref)
	}
	return tw.Flush()
}
