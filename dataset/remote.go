package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher downloads the two splits as CSV exports
type HTTPFetcher struct {
	TrainURL string
	EvalURL  string
	Client   *http.Client
}

// NewHTTPFetcher creates a fetcher with a bounded client timeout
func NewHTTPFetcher(trainURL, evalURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		TrainURL: trainURL,
		EvalURL:  evalURL,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and parses both tables. An empty EvalURL yields an empty
// eval table.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Table, *Table, error) {
	train, err := f.get(ctx, f.TrainURL)
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	if f.EvalURL == "" {
		return train, &Table{Columns: train.Columns}, nil
	}
	eval, err := f.get(ctx, f.EvalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("eval split: %w", err)
	}
	return train, eval, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, string(body))
	}
	return ReadCSV(resp.Body)
}
