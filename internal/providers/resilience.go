package providers

import (
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for cloud backend operations.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// Delay computes the exponential backoff delay with jitter for an attempt.
func (rc RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(attempt))
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter
	if delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retryable reports whether an HTTP status code should trigger a retry.
func (rc RetryConfig) Retryable(statusCode int) bool {
	for _, code := range rc.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// RateLimiter enforces a minimum interval between API calls. Safe for
// concurrent use; callers are serialized, each spaced one interval apart.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until it's safe to make the next API call.
func (rl *RateLimiter) Wait() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.lastCall.IsZero() {
		rl.lastCall = time.Now()
		return
	}
	elapsed := time.Since(rl.lastCall)
	if elapsed < rl.interval {
		sleep := rl.interval - elapsed
		log.Debug().Dur("sleep", sleep).Msg("rate limiting API call")
		time.Sleep(sleep)
	}
	rl.lastCall = time.Now()
}

// RetryableHTTPClient wraps an HTTP client with retries and rate limiting.
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// Do executes the request, retrying transport errors and retryable status
// codes with backoff.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		c.rateLimiter.Wait()

		// Clone for retry; the body may have been consumed by a prior attempt.
		reqClone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			reqClone.Body = body
		}

		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = err
			if attempt < c.retryConfig.MaxRetries {
				delay := c.retryConfig.Delay(attempt)
				log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).
					Str("url", req.URL.String()).Msg("HTTP request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		if c.retryConfig.Retryable(resp.StatusCode) && attempt < c.retryConfig.MaxRetries {
			resp.Body.Close()
			delay := c.retryConfig.Delay(attempt)
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Dur("delay", delay).
				Str("url", req.URL.String()).Msg("HTTP request returned retryable status, retrying")
			time.Sleep(delay)
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}
