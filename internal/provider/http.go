package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxRetries  = 3
	baseBackoff = 500 * time.Millisecond
)

// HTTPProvider talks to the market-data service over HTTP. Requests are
// rate-limited client-side and retried with exponential backoff before
// giving up with ErrUnavailable.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider creates a provider client. rps bounds outbound request
// rate across all callers sharing this instance.
func NewHTTPProvider(baseURL, apiKey string, rps float64) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (p *HTTPProvider) BatchLookup(ctx context.Context, cusips []string) (map[string]TickerInfo, error) {
	body, err := json.Marshal(map[string][]string{"cusips": cusips})
	if err != nil {
		return nil, err
	}

	var out map[string]TickerInfo
	if err := p.do(ctx, http.MethodPost, "/v1/cusip/batch", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTPProvider) LookupOne(ctx context.Context, cusip string) (*TickerInfo, error) {
	var out TickerInfo
	err := p.do(ctx, http.MethodGet, "/v1/cusip/"+url.PathEscape(cusip), nil, &out)
	if err != nil {
		return nil, err
	}
	if out.Ticker == "" {
		return nil, nil // provider does not know this identifier
	}
	return &out, nil
}

func (p *HTTPProvider) GetSplits(ctx context.Context, symbol string, from, to time.Time) ([]SplitEvent, error) {
	path := fmt.Sprintf("/v1/splits/%s?from=%s&to=%s",
		url.PathEscape(symbol),
		from.UTC().Format("2006-01-02"),
		to.UTC().Format("2006-01-02"))

	var out []SplitEvent
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do issues one request with rate limiting and retry. 4xx responses are
// not retried; 5xx and transport errors back off exponentially.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("provider request failed", "path", path, "attempt", attempt+1, "err", err)
			continue
		}

		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				lastErr = fmt.Errorf("provider status %d", resp.StatusCode)
			default:
				// Client errors are not retryable.
				lastErr = fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
			}
		}()

		if lastErr == nil {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
