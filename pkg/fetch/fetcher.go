package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// RetryPolicy controls FetchWithRetry's backoff
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// RetryPolicyFromConfig extracts the retry settings from a validated config
func RetryPolicyFromConfig(cfg *config.AppConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}
}

// StatusError is returned for a non-2xx response. It unwraps to one of the
// utils HTTP sentinels so CategorizeError and errors.Is keep working.
type StatusError struct {
	Code   int
	Status string
	kind   error
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
	}
	return fmt.Sprintf("%v: status %s", e.kind, status)
}

func (e *StatusError) Unwrap() error { return e.kind }

// StatusCode returns the HTTP status carried by err, or 0 if none
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func newStatusError(resp *http.Response) *StatusError {
	kind := utils.ErrOtherHTTPError
	switch {
	case resp.StatusCode >= 500:
		kind = utils.ErrServerHTTPError
	case resp.StatusCode >= 400:
		kind = utils.ErrClientHTTPError
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, kind: kind}
}

// Fetcher makes HTTP requests with retry logic over a shared http.Client
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, policy RetryPolicy, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		policy: policy,
		log:    log,
	}
}

// FetchWithRetry performs req under ctx, retrying network errors, 5xx and 429
// with exponential backoff and jitter. On success the caller must close the body.
// Any other non-2xx response is closed here and reported as a *StatusError.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration

	reqLog := f.log.WithField("url", req.URL.String())
	maxRetries := f.policy.MaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", err, lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", err)
		}

		// --- Backoff ---
		if attempt > 0 {
			delay := f.backoff(attempt, retryAfter)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": delay}).Warn("Retrying request...")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}
		retryAfter = 0

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				drainAndClose(resp)
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Warnf("Network error: %v", err)
			drainAndClose(resp)
			lastErr = err
			continue
		}

		resLog := reqLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "attempt": attempt})
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil

		case resp.StatusCode >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = newStatusError(resp)
			drainAndClose(resp)
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			resLog.Warn("Received 429 Too Many Requests, retrying...")
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			lastErr = newStatusError(resp)
			drainAndClose(resp)
			continue

		default:
			// 4xx and unexpected statuses are not retried
			resLog.Debug("Non-retryable status")
			statusErr := newStatusError(resp)
			drainAndClose(resp)
			return nil, statusErr
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoff returns initial * 2^(attempt-1) with +/-10% jitter, capped at MaxDelay.
// A server-provided Retry-After wins when it is larger, still capped.
func (f *Fetcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := f.policy.MaxDelay
	delay := time.Duration(float64(f.policy.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if maxDelay > 0 && (delay <= 0 || delay > maxDelay) {
		delay = maxDelay
	}
	if delay > 0 {
		if jitterRange := int64(delay) / 5; jitterRange > 0 {
			delay += time.Duration(rand.Int63n(jitterRange)) - delay/10
		}
	}
	if retryAfter > delay {
		delay = retryAfter
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
