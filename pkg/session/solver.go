package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kapowarr/kapowarr/pkg/log"
)

// RemoteSolver clears access challenges by delegating to an external solver
// service. Solved user agents and cookies are kept per host, process-wide.
type RemoteSolver struct {
	baseURL string
	client  *http.Client

	mu      sync.Mutex
	agents  map[string]string
	cookies map[string][]*http.Cookie
}

// NewRemoteSolver creates a solver talking to the service at baseURL. An
// empty baseURL yields a solver that never solves anything.
func NewRemoteSolver(baseURL string) *RemoteSolver {
	return &RemoteSolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Minute},
		agents:  map[string]string{},
		cookies: map[string][]*http.Cookie{},
	}
}

// UserAgentCookies returns the solved user agent and cookies for the URL's
// host, if any.
func (r *RemoteSolver) UserAgentCookies(rawURL string) (string, []*http.Cookie) {
	host := hostOf(rawURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[host], r.cookies[host]
}

// Solve asks the external service to clear the challenge. Only responses
// that are actually challenge-mitigated are worth solving.
func (r *RemoteSolver) Solve(ctx context.Context, rawURL string, headers http.Header) bool {
	if r.baseURL == "" {
		return false
	}
	if headers.Get("cf-mitigated") == "" {
		return false
	}

	payload, _ := json.Marshal(map[string]any{
		"cmd":        "request.get",
		"url":        rawURL,
		"maxTimeout": 60000,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		logger := log.WithComponent("solver")
		logger.Warn().Err(err).Msg("Challenge solver unreachable")
		return false
	}
	defer resp.Body.Close()

	var result struct {
		Status   string `json:"status"`
		Solution struct {
			UserAgent string `json:"userAgent"`
			Cookies   []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"cookies"`
		} `json:"solution"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Status != "ok" {
		return false
	}

	host := hostOf(rawURL)
	cookies := make([]*http.Cookie, 0, len(result.Solution.Cookies))
	for _, c := range result.Solution.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}

	r.mu.Lock()
	r.agents[host] = result.Solution.UserAgent
	r.cookies[host] = cookies
	r.mu.Unlock()
	return true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
