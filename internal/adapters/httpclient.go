package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/metrics"
)

// httpCaller is the shared retry-with-backoff HTTP POST helper every
// concrete adapter uses to talk to its opaque external service.
type httpCaller struct {
	name    string
	baseURL string
	client  *http.Client
	retry   config.RetryConfig
}

func newHTTPCaller(name, baseURL string, timeout time.Duration, retry config.RetryConfig) httpCaller {
	return httpCaller{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

// postJSON posts reqBody as JSON to path and decodes the response into out.
// Retries on transport errors and 5xx with exponential backoff (base,
// factor 2, capped); 4xx responses fail immediately without retry.
func (c httpCaller) postJSON(ctx context.Context, path string, reqBody, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "marshal adapter request", err)
	}

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := c.retry.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	cap := c.retry.CapDelay
	if cap <= 0 {
		cap = 8 * time.Second
	}
	factor := c.retry.Factor
	if factor <= 0 {
		factor = 2
	}

	var lastErr error
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(ctx, path, body, out)
		if err == nil {
			metrics.ObserveAdapter(c.name, "ok", time.Since(start))
			return nil
		}
		lastErr = err
		if apierrors.KindOf(err) != apierrors.KindTransientTransport {
			metrics.ObserveAdapter(c.name, "failed", time.Since(start))
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.ObserveAdapter(c.name, "failed", time.Since(start))
			return apierrors.Wrap(apierrors.KindCancelled, c.name+" adapter call cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= time.Duration(factor)
		if delay > cap {
			delay = cap
		}
	}
	metrics.ObserveAdapter(c.name, "failed", time.Since(start))
	return lastErr
}

func (c httpCaller) attempt(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "build adapter request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.Wrap(apierrors.KindCancelled, c.name+" call context done", ctx.Err())
		}
		return apierrors.Wrap(apierrors.KindTransientTransport, c.name+" transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apierrors.New(apierrors.KindTransientTransport, fmt.Sprintf("%s returned %d", c.name, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierrors.New(apierrors.KindInvalidInput, fmt.Sprintf("%s returned %d: %s", c.name, resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, c.name+" decode response", err)
	}
	return nil
}
