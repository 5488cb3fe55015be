// Package session wraps net/http with bounded retries, exponential backoff,
// a default user agent, and a pluggable challenge solver that can swap
// user-agent and cookies when a request is blocked by an access challenge.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/log"
)

const (
	// DefaultUserAgent identifies the service to remote hosts.
	DefaultUserAgent = "Kapowarr"

	totalRetries  = 5
	backoffFactor = 200 * time.Millisecond
)

// retryStatusCodes are the response codes that trigger a retry.
var retryStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ChallengeSolver can solve an access challenge for a URL, yielding the
// user agent and cookies to use on the retry. Implementations are consulted
// at most once per URL per request.
type ChallengeSolver interface {
	// UserAgentCookies returns the user agent and cookies to apply to a
	// request for the URL.
	UserAgentCookies(url string) (string, []*http.Cookie)
	// Solve attempts to clear a challenge indicated by the response
	// headers. It reports whether a retry is worthwhile.
	Solve(ctx context.Context, url string, headers http.Header) bool
}

// Session is a retrying HTTP client.
type Session struct {
	client *http.Client
	solver ChallengeSolver
	logger zerolog.Logger

	mu      sync.Mutex
	headers map[string]string
}

// Option configures a Session.
type Option func(*Session)

// WithSolver attaches a challenge solver.
func WithSolver(solver ChallengeSolver) Option {
	return func(s *Session) { s.solver = solver }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.client.Timeout = d }
}

// New creates a session.
func New(opts ...Option) *Session {
	s := &Session{
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: log.WithComponent("session"),
		headers: map[string]string{
			"User-Agent": DefaultUserAgent,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHeader sets a header applied to every request.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[key] = value
}

// SetBasicAuth applies basic auth to every request.
func (s *Session) SetBasicAuth(username, password string) {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
	req.SetBasicAuth(username, password)
	s.SetHeader("Authorization", req.Header.Get("Authorization"))
}

// Do performs the request with retries and backoff. The caller owns the
// response body.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	for k, v := range s.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	s.mu.Unlock()

	if s.solver != nil {
		ua, cookies := s.solver.UserAgentCookies(req.URL.String())
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	var body []byte
	if req.Body != nil && req.GetBody == nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	sleep := backoffFactor
	solved := false
	var lastErr error
	for attempt := 1; attempt <= totalRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(strings.NewReader(string(body)))
		} else if req.GetBody != nil {
			fresh, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = fresh
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			if resp.StatusCode == http.StatusForbidden && !solved && s.solver != nil {
				solved = true
				if s.solver.Solve(req.Context(), req.URL.String(), resp.Header) {
					resp.Body.Close()
					ua, cookies := s.solver.UserAgentCookies(req.URL.String())
					if ua != "" {
						req.Header.Set("User-Agent", ua)
					}
					for _, c := range cookies {
						req.AddCookie(c)
					}
					continue
				}
			}

			if !retryStatusCodes[resp.StatusCode] {
				if resp.StatusCode >= 400 {
					s.logger.Warn().
						Str("url", req.URL.String()).
						Int("status", resp.StatusCode).
						Msg("Request returned an error status")
				}
				return resp, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		}

		if attempt == totalRetries {
			break
		}
		s.logger.Warn().
			Str("url", req.URL.String()).
			Int("attempt", attempt).
			Msg("Request failed, retrying")

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(sleep):
		}
		sleep *= 2
	}

	return nil, fmt.Errorf("request to %s failed after %d attempts: %w",
		req.URL.String(), totalRetries, lastErr)
}

// Get fetches a URL.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// GetBytes fetches a URL and returns the response body.
func (s *Session) GetBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := s.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// Post sends a request with a body and content type.
func (s *Session) Post(ctx context.Context, url, contentType string, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return s.Do(req)
}
