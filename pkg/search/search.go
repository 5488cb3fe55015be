// Package search interrogates the registered search sources concurrently,
// merges and ranks the candidates, and picks results for automatic
// downloading.
package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// Source is one external search source. Implementations are registered by
// hand in sources.go.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]types.SearchResult, error)
}

// queryFormats are the template sets per special version. The year fragment
// is dropped when the volume year is unknown.
var queryFormats = map[string][]string{
	"TPB": {
		"{title} Vol. {volume_number} ({year}) TPB",
		"{title} ({year}) TPB",
		"{title} Vol. {volume_number} TPB",
		"{title} Vol. {volume_number}",
		"{title}",
	},
	"VAI": {
		"{title} ({year})",
		"{title}",
	},
	"Volume": {
		"{title} Vol. {volume_number} ({year})",
		"{title} ({year})",
		"{title} Vol. {volume_number}",
		"{title}",
	},
	"Issue": {
		"{title} #{issue_number} ({year})",
		"{title} #{issue_number}",
		"{title}",
	},
}

// maxSourceFanout bounds how many source queries run at the same time.
const maxSourceFanout = 10

// Aggregator fans queries out to all registered sources.
type Aggregator struct {
	store   *store.Store
	sources []Source
	logger  zerolog.Logger

	mu sync.RWMutex
}

// NewAggregator creates the aggregator with the given sources.
func NewAggregator(st *store.Store, sources []Source) *Aggregator {
	return &Aggregator{
		store:   st,
		sources: sources,
		logger:  log.WithComponent("search"),
	}
}

// Sources returns the registered sources.
func (a *Aggregator) Sources() []Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Source(nil), a.sources...)
}

func buildQueries(volume types.Volume, issueNumber string) []string {
	var formats []string
	switch {
	case volume.SpecialVersion == types.SVTPB:
		formats = queryFormats["TPB"]
	case volume.SpecialVersion == types.SVVolumeAsIssue:
		formats = queryFormats["VAI"]
	case issueNumber == "":
		formats = queryFormats["Volume"]
	default:
		formats = queryFormats["Issue"]
	}

	title := strings.ReplaceAll(volume.Title, ":", "")
	year := ""
	if volume.Year != nil {
		year = strconv.Itoa(*volume.Year)
	}

	queries := make([]string, 0, len(formats))
	seen := map[string]bool{}
	for _, format := range formats {
		q := format
		if year == "" {
			q = strings.TrimSpace(strings.ReplaceAll(q, "({year})", ""))
		}
		q = strings.NewReplacer(
			"{title}", title,
			"{volume_number}", strconv.Itoa(volume.VolumeNumber),
			"{year}", year,
			"{issue_number}", issueNumber,
		).Replace(q)
		q = strings.Join(strings.Fields(q), " ")
		if !seen[q] {
			seen[q] = true
			queries = append(queries, q)
		}
	}
	return queries
}

// searchAllSources runs every (source, query) pair concurrently with a
// bounded fan-out. Per-source failures are captured and logged, not
// propagated. Results are de-duplicated on download link.
func (a *Aggregator) searchAllSources(ctx context.Context, queries []string) []types.SearchResult {
	type response struct {
		results []types.SearchResult
	}

	responses := make([]response, len(a.Sources())*len(queries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxSourceFanout)

	i := 0
	for _, source := range a.Sources() {
		for _, query := range queries {
			slot := &responses[i]
			i++
			group.Go(func() error {
				results, err := source.Search(groupCtx, query)
				if err != nil {
					a.logger.Warn().
						Err(err).
						Str("source", source.Name()).
						Str("query", query).
						Msg("Search source failed")
					return nil
				}
				slot.results = results
				return nil
			})
		}
	}
	group.Wait()

	var merged []types.SearchResult
	seenLinks := map[string]bool{}
	for _, resp := range responses {
		for _, result := range resp.results {
			if result.Link == "" || seenLinks[result.Link] {
				continue
			}
			seenLinks[result.Link] = true
			merged = append(merged, result)
		}
	}
	return merged
}

// ManualSearch searches for a volume or issue and returns every candidate,
// annotated with its match rejections and sorted best first.
func (a *Aggregator) ManualSearch(ctx context.Context, volumeID int64, issueID *int64) ([]types.MatchedSearchResult, error) {
	volume, err := a.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	issues, err := a.store.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	numberToYear, err := a.store.NumberToYear(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	issueNumber := ""
	var calculatedIssueNumber *float64
	var issueYear *int
	if issueID != nil &&
		(volume.SpecialVersion == types.SVNormal || volume.SpecialVersion == types.SVVolumeAsIssue) {
		issue, err := a.store.GetIssue(ctx, *issueID)
		if err != nil {
			return nil, err
		}
		issueNumber = issue.IssueNumber
		n := issue.CalculatedIssueNumber
		calculatedIssueNumber = &n
		issueYear = issue.Year()
	}

	a.logger.Info().
		Str("title", volume.Title).
		Str("issue", issueNumber).
		Msg("Starting manual search")

	blocklisted := func(link string) bool {
		hit, err := a.store.BlocklistContains(ctx, link)
		return err == nil && hit
	}

	for _, title := range []string{volume.Title, volume.AltTitle} {
		if title == "" {
			continue
		}
		searchVolume := volume
		searchVolume.Title = title

		queries := buildQueries(searchVolume, issueNumber)
		raw := a.searchAllSources(ctx, queries)
		if len(raw) == 0 {
			continue
		}

		results := make([]types.MatchedSearchResult, 0, len(raw))
		for _, r := range raw {
			results = append(results, matching.CheckSearchResult(r, matching.SearchFilterInput{
				Volume:                volume,
				Issues:                issues,
				NumberToYear:          numberToYear,
				CalculatedIssueNumber: calculatedIssueNumber,
				Blocklisted:           blocklisted,
			}))
		}

		rankInput := matching.RankInput{
			Title:                 strings.ReplaceAll(title, ":", ""),
			VolumeNumber:          volume.VolumeNumber,
			VolumeYear:            volume.Year,
			IssueYear:             issueYear,
			CalculatedIssueNumber: calculatedIssueNumber,
		}
		sort.SliceStable(results, func(i, j int) bool {
			return matching.LessRank(
				matching.Rank(results[i], rankInput),
				matching.Rank(results[j], rankInput))
		})
		return results, nil
	}

	return nil, nil
}
