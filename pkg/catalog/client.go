// Package catalog talks to the external metadata catalog: volume search,
// volume and issue fetches, bulk fetches with rate-limit pacing, and a
// persistent response cache.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/session"
	"github.com/kapowarr/kapowarr/pkg/types"
)

const (
	// APIBaseURL is the default catalog API endpoint.
	APIBaseURL = "https://comicvine.gamespot.com/api"

	// volumeBatchSize and issueBatchSize are the documented list sizes of
	// the provider's bulk endpoints.
	volumeBatchSize = 100
	issueBatchSize  = 50

	// pageSize is the provider's pagination size for list endpoints.
	pageSize = 100
)

// statusOK and friends are the provider's JSON status codes.
const (
	statusOK          = 1
	statusInvalidKey  = 100
	statusRateLimited = 107
)

// Client talks to the metadata catalog.
type Client struct {
	apiKey  string
	baseURL string
	ssn     *session.Session
	cache   *Cache
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a catalog client. The cache may be nil, disabling
// response caching (used by tests and key validation).
func NewClient(apiKey string, cache *Cache, ssn *session.Session) (*Client, error) {
	if apiKey == "" {
		return nil, errs.ErrInvalidComicVineApiKey
	}
	if ssn == nil {
		ssn = session.New()
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: APIBaseURL,
		ssn:     ssn,
		cache:   cache,
		// One request every two seconds keeps the provider's rate
		// limit happy during bulk fetches.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		logger:  log.WithComponent("catalog"),
	}, nil
}

// SetBaseURL points the client at a different API endpoint, used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// ParseCatalogID normalises the three accepted catalog id forms ("N",
// "cv:N", "4050-N", and combinations) to the plain numeric id.
func ParseCatalogID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "cv:")
	s = strings.TrimPrefix(s, "4050-")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.InvalidKeyValue("id", s)
	}
	return id, nil
}

type cvResponse struct {
	StatusCode           int             `json:"status_code"`
	Error                string          `json:"error"`
	NumberOfTotalResults int             `json:"number_of_total_results"`
	Results              json.RawMessage `json:"results"`
}

type cvVolume struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	StartYear     string `json:"start_year"`
	Description   string `json:"description"`
	SiteDetailURL string `json:"site_detail_url"`
	Aliases       string `json:"aliases"`
	CountOfIssues int    `json:"count_of_issues"`
	Publisher     *struct {
		Name string `json:"name"`
	} `json:"publisher"`
	Image struct {
		SmallURL string `json:"small_url"`
	} `json:"image"`
}

type cvIssue struct {
	ID          int64  `json:"id"`
	IssueNumber string `json:"issue_number"`
	Name        string `json:"name"`
	CoverDate   string `json:"cover_date"`
	StoreDate   string `json:"store_date"`
	Description string `json:"description"`
	Volume      struct {
		ID int64 `json:"id"`
	} `json:"volume"`
}

// get performs a catalog request, serving from and filling the response
// cache. The cache key is the endpoint plus the request identity.
func (c *Client) get(ctx context.Context, endpoint, path, cacheKey string, params url.Values) (*cvResponse, error) {
	if c.cache != nil && cacheKey != "" {
		if data, ok := c.cache.Get(endpoint, cacheKey); ok {
			var cached cvResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("api_key", c.apiKey)
	params.Set("format", "json")
	fullURL := c.baseURL + "/" + path + "/?" + params.Encode()

	body, err := c.ssn.GetBytes(ctx, fullURL)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}

	var resp cvResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	switch resp.StatusCode {
	case statusOK:
	case statusInvalidKey:
		return nil, errs.ErrInvalidComicVineApiKey
	case statusRateLimited:
		return nil, errs.ErrCVRateLimitReached
	default:
		return nil, fmt.Errorf("catalog error %d: %s", resp.StatusCode, resp.Error)
	}

	if c.cache != nil && cacheKey != "" {
		if err := c.cache.Set(endpoint, cacheKey, body); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to store catalog response in cache")
		}
	}
	return &resp, nil
}

// RemoveFromCache invalidates cached responses of an endpoint mentioning the
// catalog id.
func (c *Client) RemoveFromCache(endpoint string, id int64) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Remove(endpoint, id); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to invalidate catalog cache")
	}
}

// TestKey checks whether the API key works.
func (c *Client) TestKey(ctx context.Context) error {
	params := url.Values{"field_list": {"id"}}
	_, err := c.get(ctx, "publisher", "publisher/4010-31", "", params)
	return err
}

func (c *Client) formatVolume(v cvVolume) types.VolumeMetadata {
	description := CleanDescription(v.Description, false)

	meta := types.VolumeMetadata{
		ComicvineID:  v.ID,
		Title:        normalizeString(v.Name),
		VolumeNumber: 1,
		CoverLink:    v.Image.SmallURL,
		Description:  description,
		SiteURL:      v.SiteDetailURL,
		IssueCount:   v.CountOfIssues,
		Translated:   IsTranslated(description),
	}
	if v.Publisher != nil {
		meta.Publisher = v.Publisher.Name
	}
	if y, err := strconv.Atoi(v.StartYear); err == nil {
		meta.Year = &y
	}
	for _, a := range strings.Split(v.Aliases, "\r\n") {
		if a = strings.TrimSpace(a); a != "" {
			meta.Aliases = append(meta.Aliases, a)
		}
	}
	return meta
}

func (c *Client) formatIssue(i cvIssue) types.IssueMetadata {
	number := strings.TrimSpace(strings.ReplaceAll(i.IssueNumber, "/", "-"))
	if number == "" {
		number = "0"
	}

	calculated := 0.0
	if r, ok := extract.ProcessIssueRange(number); ok {
		calculated = r.Start
	}

	date := i.CoverDate
	if date == "" {
		date = i.StoreDate
	}

	return types.IssueMetadata{
		ComicvineID:           i.ID,
		VolumeComicvineID:     i.Volume.ID,
		IssueNumber:           number,
		CalculatedIssueNumber: calculated,
		Title:                 normalizeString(i.Name),
		Date:                  date,
		Description:           CleanDescription(i.Description, true),
	}
}

// SearchVolumes searches the catalog. A query in catalog-id form returns
// that exact volume.
func (c *Client) SearchVolumes(ctx context.Context, query string) ([]types.VolumeMetadata, error) {
	if strings.HasPrefix(query, "cv:") || strings.HasPrefix(query, "4050-") {
		id, err := ParseCatalogID(query)
		if err != nil {
			return nil, nil
		}
		volume, err := c.FetchVolume(ctx, id)
		if err != nil {
			return nil, nil
		}
		return []types.VolumeMetadata{volume}, nil
	}

	c.logger.Debug().Str("query", query).Msg("Searching for volumes")

	params := url.Values{
		"query":     {query},
		"resources": {"volume"},
		"limit":     {"50"},
	}
	resp, err := c.get(ctx, "search", "search", query, params)
	if err != nil {
		return nil, err
	}

	var raw []cvVolume
	if err := json.Unmarshal(resp.Results, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	results := make([]types.VolumeMetadata, 0, len(raw))
	for _, v := range raw {
		results = append(results, c.formatVolume(v))
	}
	return results, nil
}

// FetchVolume fetches one volume with its issues and cover. Rate-limit and
// auth errors surface to the caller.
func (c *Client) FetchVolume(ctx context.Context, cvID int64) (types.VolumeMetadata, error) {
	c.logger.Debug().Int64("cv_id", cvID).Msg("Fetching volume data")

	key := fmt.Sprintf("4050-%d", cvID)
	resp, err := c.get(ctx, "volume", "volume/"+key, key, url.Values{})
	if err != nil {
		return types.VolumeMetadata{}, err
	}

	var raw cvVolume
	if err := json.Unmarshal(resp.Results, &raw); err != nil {
		return types.VolumeMetadata{}, fmt.Errorf("failed to decode volume: %w", err)
	}
	volume := c.formatVolume(raw)

	volume.Issues, err = c.FetchIssues(ctx, []int64{cvID})
	if err != nil {
		return types.VolumeMetadata{}, err
	}

	if volume.CoverLink != "" {
		if cover, err := c.ssn.GetBytes(ctx, volume.CoverLink); err == nil {
			volume.Cover = cover
		}
	}
	return volume, nil
}

// FetchVolumes bulk-fetches volume metadata without issues. The result is
// truncated rather than errored when the rate limit is hit partway.
func (c *Client) FetchVolumes(ctx context.Context, cvIDs []int64) ([]types.VolumeMetadata, error) {
	c.logger.Debug().Int("count", len(cvIDs)).Msg("Fetching volume data in bulk")

	var volumes []types.VolumeMetadata
	for _, batch := range batchIDs(cvIDs, volumeBatchSize) {
		filter := "id:" + joinIDs(batch, "|")
		params := url.Values{"filter": {filter}}
		resp, err := c.get(ctx, "volumes", "volumes", filter, params)
		if err != nil {
			if e, ok := errs.AsError(err); ok &&
				(e.Kind == errs.ErrCVRateLimitReached.Kind || e.Kind == errs.ErrInvalidComicVineApiKey.Kind) {
				c.logger.Warn().Msg("Bulk volume fetch truncated by provider limit")
				return volumes, nil
			}
			return volumes, err
		}

		var raw []cvVolume
		if err := json.Unmarshal(resp.Results, &raw); err != nil {
			return volumes, fmt.Errorf("failed to decode volumes: %w", err)
		}
		for _, v := range raw {
			volumes = append(volumes, c.formatVolume(v))
		}
	}
	return volumes, nil
}

// FetchIssues bulk-fetches issue metadata for volumes, paginating by offset.
// The result is truncated rather than errored when the rate limit is hit.
func (c *Client) FetchIssues(ctx context.Context, volumeCVIDs []int64) ([]types.IssueMetadata, error) {
	c.logger.Debug().Int("count", len(volumeCVIDs)).Msg("Fetching issue data in bulk")

	var issues []types.IssueMetadata
	seen := map[int64]bool{}
	for _, batch := range batchIDs(volumeCVIDs, issueBatchSize) {
		filter := "volume:" + joinIDs(batch, "|")
		for offset := 0; ; offset += pageSize {
			params := url.Values{"filter": {filter}}
			cacheKey := filter
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
				cacheKey = fmt.Sprintf("%s@%d", filter, offset)
			}
			resp, err := c.get(ctx, "issues", "issues", cacheKey, params)
			if err != nil {
				if e, ok := errs.AsError(err); ok &&
					(e.Kind == errs.ErrCVRateLimitReached.Kind || e.Kind == errs.ErrInvalidComicVineApiKey.Kind) {
					c.logger.Warn().Msg("Bulk issue fetch truncated by provider limit")
					return issues, nil
				}
				return issues, err
			}

			var raw []cvIssue
			if err := json.Unmarshal(resp.Results, &raw); err != nil {
				return issues, fmt.Errorf("failed to decode issues: %w", err)
			}
			for _, i := range raw {
				if !seen[i.ID] {
					seen[i.ID] = true
					issues = append(issues, c.formatIssue(i))
				}
			}

			if offset+pageSize >= resp.NumberOfTotalResults || len(raw) == 0 {
				break
			}
		}
	}
	return issues, nil
}

func batchIDs(ids []int64, size int) [][]int64 {
	var batches [][]int64
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}
	return batches
}

func joinIDs(ids []int64, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, sep)
}

// normalizeString fixes common artifacts in strings coming from online
// sources: escapes, smart quotes and surrounding whitespace.
func normalizeString(s string) string {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}
	s = strings.ReplaceAll(s, "–", "-")
	s = strings.ReplaceAll(s, "’", "'")
	return strings.TrimSpace(s)
}
