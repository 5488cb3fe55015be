package download

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"sync"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/session"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

var magnetNameRegex = regexp.MustCompile(`(?i)(?:^|&)dn=([^&]*)`)

// transmissionStates maps the client's numeric torrent status to download
// states.
var transmissionStates = map[int]types.DownloadState{
	0: types.DownloadPaused,      // Stopped
	1: types.DownloadDownloading, // CheckWait
	2: types.DownloadDownloading, // Checking
	3: types.DownloadQueued,      // DownloadWait
	4: types.DownloadDownloading, // Downloading
	5: types.DownloadSeeding,     // SeedWait
	6: types.DownloadSeeding,     // Seeding
}

// Transmission drives a Transmission instance over its RPC endpoint.
type Transmission struct {
	baseURL  string
	username string
	password string

	mu     sync.Mutex
	ssn    *session.Session
	known  map[string]bool
}

// NewTransmission creates the adapter from a stored configuration.
func NewTransmission(cfg store.ExternalClient) *Transmission {
	return &Transmission{
		baseURL: cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		known:   map[string]bool{},
	}
}

type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// apiRequest performs one RPC call, handling the session-id handshake: a
// 409 response carries the id to use, after which the call is retried once.
func (t *Transmission) apiRequest(ctx context.Context, ssn *session.Session, method string, args map[string]any, forLogin bool) (*http.Response, error) {
	payload, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	resp, err := ssn.Post(ctx, t.baseURL+"/transmission/rpc", "application/json", string(payload))
	if err != nil {
		return nil, errs.ErrClientNotWorking.WithDetail("connection error: %v", err)
	}

	if resp.StatusCode == http.StatusConflict {
		sid := resp.Header.Get("X-Transmission-Session-Id")
		resp.Body.Close()
		if sid == "" {
			return nil, errs.ErrClientNotWorking.WithDetail("failed processing response")
		}
		ssn.SetHeader("X-Transmission-Session-Id", sid)
		if forLogin {
			return resp, nil
		}
		resp, err = ssn.Post(ctx, t.baseURL+"/transmission/rpc", "application/json", string(payload))
		if err != nil {
			return nil, errs.ErrClientNotWorking.WithDetail("connection error: %v", err)
		}
	}
	return resp, nil
}

// login builds an authenticated session against the instance.
func (t *Transmission) login(ctx context.Context) (*session.Session, error) {
	ssn := session.New()
	if t.username != "" && t.password != "" {
		ssn.SetBasicAuth(t.username, t.password)
	}

	resp, err := t.apiRequest(ctx, ssn, "session-get", map[string]any{}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The handshake succeeded; the session id is set.
		return ssn, nil
	case resp.StatusCode < 300:
		return ssn, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.ErrCredentialInvalid
	default:
		return nil, errs.ErrClientNotWorking.WithDetail("not a client instance")
	}
}

func (t *Transmission) sessionLocked(ctx context.Context) (*session.Session, error) {
	if t.ssn != nil {
		return t.ssn, nil
	}
	ssn, err := t.login(ctx)
	if err != nil {
		return nil, err
	}
	t.ssn = ssn
	return ssn, nil
}

func (t *Transmission) call(ctx context.Context, method string, args map[string]any, result any) error {
	t.mu.Lock()
	ssn, err := t.sessionLocked(ctx)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	resp, err := t.apiRequest(ctx, ssn, method, args, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.ErrClientNotWorking.WithDetail("failed reading response: %v", err)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return errs.ErrClientNotWorking.WithDetail("failed processing response: %v", err)
	}
	if rpc.Result != "success" {
		return errs.ErrClientNotWorking.WithDetail("rpc result: %s", rpc.Result)
	}
	if result != nil {
		if err := json.Unmarshal(rpc.Arguments, result); err != nil {
			return errs.ErrClientNotWorking.WithDetail("failed processing response: %v", err)
		}
	}
	return nil
}

// Add implements ExternalClient. A download name replaces the dn component
// of a magnet link.
func (t *Transmission) Add(ctx context.Context, link, targetFolder, downloadName, filename string) (string, error) {
	if downloadName != "" {
		link = magnetNameRegex.ReplaceAllStringFunc(link, func(m string) string {
			sub := magnetNameRegex.FindStringSubmatch(m)
			return m[:len(m)-len(sub[1])] + downloadName
		})
	}

	var result struct {
		Added *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-added"`
		Duplicate *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-duplicate"`
	}
	err := t.call(ctx, "torrent-add", map[string]any{
		"filename":     link,
		"paused":       false,
		"download-dir": targetFolder,
	}, &result)
	if err != nil {
		return "", err
	}

	added := result.Added
	if added == nil {
		added = result.Duplicate
	}
	if added == nil {
		return "", errs.ErrClientNotWorking.WithDetail("no torrent in response")
	}

	t.mu.Lock()
	t.known[added.HashString] = true
	t.mu.Unlock()
	return added.HashString, nil
}

// Status implements ExternalClient.
func (t *Transmission) Status(ctx context.Context, handle string) (*types.DownloadStatus, error) {
	var result struct {
		Torrents []struct {
			HashString   string  `json:"hashString"`
			TotalSize    int64   `json:"totalSize"`
			PercentDone  float64 `json:"percentDone"`
			RateDownload int64   `json:"rateDownload"`
			Status       int     `json:"status"`
			Error        int     `json:"error"`
		} `json:"torrents"`
	}
	err := t.call(ctx, "torrent-get", map[string]any{
		"ids": []string{handle},
		"fields": []string{
			"hashString", "totalSize", "percentDone",
			"rateDownload", "status", "error",
		},
	}, &result)
	if err != nil {
		return nil, err
	}

	if len(result.Torrents) == 0 {
		t.mu.Lock()
		wasKnown := t.known[handle]
		t.mu.Unlock()
		if wasKnown {
			// We added it and it's gone now.
			return nil, nil
		}
		return &types.DownloadStatus{}, nil
	}

	torrent := result.Torrents[0]
	state := transmissionStates[torrent.Status]
	if torrent.Error != 0 {
		state = types.DownloadFailed
	}
	if state == "" {
		state = types.DownloadImporting
	}

	return &types.DownloadStatus{
		Size:     torrent.TotalSize,
		Progress: torrent.PercentDone * 100.0,
		Speed:    torrent.RateDownload,
		State:    state,
	}, nil
}

// Delete implements ExternalClient.
func (t *Transmission) Delete(ctx context.Context, handle string, deleteFiles bool) error {
	err := t.call(ctx, "torrent-remove", map[string]any{
		"ids":               []string{handle},
		"delete-local-data": deleteFiles,
	}, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.known, handle)
	t.mu.Unlock()
	return nil
}

// Test implements ExternalClient.
func (t *Transmission) Test(ctx context.Context) error {
	_, err := t.login(ctx)
	return err
}

var _ ExternalClient = (*Transmission)(nil)
