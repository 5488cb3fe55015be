package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/session"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// RegisterSources returns the list of search sources. Sources are
// registered by hand here; adding one means adding a line.
func RegisterSources(ssn *session.Session) []Source {
	return []Source{
		NewWebSource("GetComics", "https://getcomics.org", ssn),
	}
}

// WebSource queries a web index that exposes a JSON search endpoint. The
// result titles are parsed through the filename extractor to recover
// series, year, volume and issue information.
type WebSource struct {
	name    string
	baseURL string
	ssn     *session.Session
}

// NewWebSource creates a web index source.
func NewWebSource(name, baseURL string, ssn *session.Session) *WebSource {
	if ssn == nil {
		ssn = session.New()
	}
	return &WebSource{name: name, baseURL: baseURL, ssn: ssn}
}

// Name implements Source.
func (s *WebSource) Name() string {
	return s.name
}

type webResult struct {
	Title      string `json:"title"`
	Link       string `json:"link"`
	PageLink   string `json:"page_link"`
	Size       int64  `json:"size"`
	Pages      int    `json:"pages"`
	Releaser   string `json:"releaser"`
	ScanType   string `json:"scan_type"`
	Resolution string `json:"resolution"`
	DPI        string `json:"dpi"`
}

// Search implements Source.
func (s *WebSource) Search(ctx context.Context, query string) ([]types.SearchResult, error) {
	searchURL := fmt.Sprintf("%s/api/search?query=%s", s.baseURL, url.QueryEscape(query))
	body, err := s.ssn.GetBytes(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	var raw []webResult
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]types.SearchResult, 0, len(raw))
	for _, r := range raw {
		if r.Link == "" {
			continue
		}
		fd := extract.FilenameData(r.Title, extract.Options{})
		results = append(results, types.SearchResult{
			Series:         fd.Series,
			Year:           fd.Year,
			VolumeNumber:   fd.VolumeNumber,
			IssueNumber:    fd.IssueNumber,
			Annual:         fd.Annual,
			SpecialVersion: fd.SpecialVersion,
			Link:           r.Link,
			DisplayTitle:   r.Title,
			Source:         s.name,
			Filesize:       r.Size,
			Pages:          r.Pages,
			Releaser:       r.Releaser,
			ScanType:       r.ScanType,
			Resolution:     r.Resolution,
			DPI:            r.DPI,
		})
	}
	return results, nil
}
