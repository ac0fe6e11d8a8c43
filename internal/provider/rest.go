package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/derivwatch/derivwatch/internal/metrics"
	"github.com/derivwatch/derivwatch/internal/provider/httpsched"
)

// restClient is the shared HTTP path for venue adapters: every request is
// admitted by the scheduler, and its outcome feeds the provider's health
// tracker synchronously.
type restClient struct {
	providerID string
	baseURL    string
	client     *http.Client
	sched      *httpsched.Scheduler
	health     *HealthTracker
}

func newRESTClient(providerID, baseURL string, timeout time.Duration, sched *httpsched.Scheduler, health *HealthTracker) *restClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		providerID: providerID,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		sched:      sched,
		health:     health,
	}
}

// getJSON performs a scheduled GET and decodes the JSON body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return &Error{Provider: c.providerID, Code: ErrCodeAPIError, Message: err.Error(), Cause: err}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return &Error{Provider: c.providerID, Code: ErrCodeNetworkError, Message: err.Error(), Temporary: true, Cause: err}
		}
		defer resp.Body.Close()

		c.propagateRateHeaders(resp)

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp)
			c.sched.ReportRateLimited(c.providerID, retryAfter)
			return RateLimitError(c.providerID, nil)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &Error{
				Provider:   c.providerID,
				Code:       ErrCodeAPIError,
				Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
				HTTPStatus: resp.StatusCode,
				Temporary:  resp.StatusCode >= 500,
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Provider: c.providerID, Code: ErrCodeAPIError, Message: "decode: " + err.Error(), Cause: err}
		}
		return nil
	}

	start := time.Now()
	err := c.sched.Schedule(ctx, c.providerID, call)
	metrics.ObserveProviderLatency(c.providerID, path, start)
	if err != nil {
		metrics.RecordProviderError(c.providerID, errorKind(err))
		c.health.RecordFailure(err)
		return err
	}
	c.health.RecordSuccess()
	return nil
}

func errorKind(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return "SCHEDULER"
}

// propagateRateHeaders copies venue rate-limit headers into health. They do
// not change health status by themselves.
func (c *restClient) propagateRateHeaders(resp *http.Response) {
	remaining := -1
	for _, h := range []string{"X-RateLimit-Remaining", "X-MBX-USED-WEIGHT-1M"} {
		if v := resp.Header.Get(h); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				remaining = n
			}
		}
	}
	if remaining < 0 {
		return
	}
	reset := time.Time{}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(sec, 0)
		}
	}
	c.health.SetRateLimit(remaining, reset)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return httpsched.RateLimitBackoff
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
