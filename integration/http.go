package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tributary-io/tributary/faults"
)

// DefaultPageTimeout bounds a single page fetch against a remote.
const DefaultPageTimeout = 60 * time.Second

// GetJSON issues an authenticated GET and decodes the response body.
// Remote status codes are translated into the fault taxonomy so callers
// can decide between retry and run failure.
func GetJSON(ctx context.Context, client *http.Client, url, bearer string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return faults.New(faults.ClassTransient, fmt.Errorf("call %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return faults.FromStatusCode(resp.StatusCode,
			fmt.Errorf("remote returned %d for %s: %s", resp.StatusCode, url, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.New(faults.ClassPermanent, fmt.Errorf("decode response from %s: %w", url, err))
	}
	return nil
}
