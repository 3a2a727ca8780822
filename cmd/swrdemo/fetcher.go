package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpFetcher implements swr.Fetcher against a single string URL argument,
// the simplest possible stand-in for the teacher's own HTTP-backed loaders.
type httpFetcher struct {
	client *http.Client
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 8 * time.Second}
}

func (f httpFetcher) Fetch(ctx context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("httpFetcher: expected exactly one url argument, got %d", len(args))
	}
	url, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("httpFetcher: argument must be a string url, got %T", args[0])
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpFetcher: building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpFetcher: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("httpFetcher: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpFetcher: reading body: %w", err)
	}
	return string(body), nil
}
