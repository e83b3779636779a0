package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geoforge/chunk-processing-service/common/geo"
)

// DataSource supplies raw payload bytes for an extent. It is the boundary to
// the external map-data service; the worker only ever sees bytes and caches
// them by extent.
type DataSource interface {
	Fetch(ctx context.Context, extent geo.BoundingRegion) ([]byte, error)
	// Method names how payloads are acquired, recorded in cache metadata.
	Method() string
}

// HTTPDataSource fetches payloads from an HTTP endpoint that accepts the
// extent as query parameters.
type HTTPDataSource struct {
	url  string
	http *http.Client
}

// NewHTTPDataSource builds a data source against the given endpoint.
func NewHTTPDataSource(url string) *HTTPDataSource {
	return &HTTPDataSource{
		url: url,
		// Area downloads can be large; allow generous time.
		http: &http.Client{Timeout: 6 * time.Minute},
	}
}

func (d *HTTPDataSource) Method() string { return "http" }

// Fetch downloads the payload for the extent.
func (d *HTTPDataSource) Fetch(ctx context.Context, extent geo.BoundingRegion) ([]byte, error) {
	url := fmt.Sprintf("%s?min_lat=%f&min_lng=%f&max_lat=%f&max_lng=%f",
		d.url, extent.MinLat, extent.MinLng, extent.MaxLat, extent.MaxLng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data source returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("data source returned empty payload")
	}
	return payload, nil
}
