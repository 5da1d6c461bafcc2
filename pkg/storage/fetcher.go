// Package storage implements the executor.StorageFetcher interface against
// the out-of-scope content-addressed storage service spec.md names but
// never specifies a wire format for; this is the thinnest plausible
// net/http client, matching every other platform-facing client in this
// repository.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config points the fetcher at the storage service.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPFetcher retrieves one content-addressed tarball by name and version.
type HTTPFetcher struct {
	baseURL string
	hc      *http.Client
}

// New builds an HTTPFetcher.
func New(cfg Config) *HTTPFetcher {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPFetcher{baseURL: cfg.BaseURL, hc: hc}
}

// Fetch streams the tarball for name@versionID. The caller is responsible
// for closing the returned ReadCloser.
func (f *HTTPFetcher) Fetch(ctx context.Context, name, versionID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/artifacts/%s/%s", f.baseURL, name, versionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build storage request: %w", err)
	}

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s@%s: %w", name, versionID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s@%s not found", name, versionID)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s@%s: status %d", name, versionID, resp.StatusCode)
	}
	return resp.Body, nil
}
