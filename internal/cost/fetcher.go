package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPUsageFetcher fetches per-bucket usage reports from the provider's
// billing endpoint.
type HTTPUsageFetcher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPUsageFetcher returns a fetcher with a bounded default client.
func NewHTTPUsageFetcher(baseURL, apiKey string) *HTTPUsageFetcher {
	return &HTTPUsageFetcher{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type usageResponse struct {
	CostMicroUSD int64 `json:"cost_micro_usd"`
}

// FetchUsage implements UsageFetcher. A 404 means the provider has not
// published that bucket yet and is reported as not found rather than an
// error.
func (f *HTTPUsageFetcher) FetchUsage(ctx context.Context, bucketStart, bucketEnd time.Time) (int64, bool, error) {
	q := url.Values{}
	q.Set("from", bucketStart.UTC().Format(time.RFC3339))
	q.Set("to", bucketEnd.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, false, fmt.Errorf("cost: build usage request: %w", err)
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("cost: fetch usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, false, fmt.Errorf("cost: usage endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var ur usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return 0, false, fmt.Errorf("cost: decode usage response: %w", err)
	}
	return ur.CostMicroUSD, true, nil
}
