package search

import (
	"context"

	"github.com/kapowarr/kapowarr/pkg/types"
)

// AutoSearch searches for a volume or issue and chooses results
// automatically. For a volume-wide search it admits a covering subset:
// results are visited in rank order, one is admitted when its covered issue
// range doesn't overlap an already-admitted one and falls wholly within the
// open issues; still-missing issues are then searched individually.
func (a *Aggregator) AutoSearch(ctx context.Context, volumeID int64, issueID *int64) ([]types.MatchedSearchResult, error) {
	volume, err := a.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Int64("volume_id", volumeID).
		Msg("Starting auto search")

	var searchable []types.Issue
	switch {
	case !volume.Monitored:
		// Unmonitored volumes are not searched.
	case issueID == nil:
		searchable, err = a.store.OpenIssues(ctx, volumeID)
		if err != nil {
			return nil, err
		}
	default:
		issue, err := a.store.GetIssue(ctx, *issueID)
		if err != nil {
			return nil, err
		}
		issueFiles, err := a.store.FilesForIssue(ctx, *issueID)
		if err != nil {
			return nil, err
		}
		if issue.Monitored && len(issueFiles) == 0 {
			searchable = []types.Issue{issue}
		}
	}
	if len(searchable) == 0 {
		return nil, nil
	}

	results, err := a.ManualSearch(ctx, volumeID, issueID)
	if err != nil {
		return nil, err
	}
	matches := results[:0]
	for _, r := range results {
		if r.Match {
			matches = append(matches, r)
		}
	}

	if issueID != nil ||
		(volume.SpecialVersion != types.SVNormal && volume.SpecialVersion != types.SVVolumeAsIssue) {
		// Searching for one item; the best match wins.
		if len(matches) == 0 {
			return nil, nil
		}
		return matches[:1], nil
	}

	// Volume-wide search: admit a non-overlapping covering subset.
	openNumbers := map[float64]bool{}
	for _, issue := range searchable {
		openNumbers[issue.CalculatedIssueNumber] = true
	}

	var chosen []types.MatchedSearchResult
	var chosenRanges []types.IssueRange
	for _, result := range matches {
		covered, ok := a.coveredRange(ctx, volume, result)
		if !ok {
			continue
		}

		issues, err := a.store.IssuesInRange(ctx, volumeID, covered)
		if err != nil {
			return nil, err
		}
		if len(issues) == 0 {
			continue
		}
		alreadyDownloaded := false
		for _, issue := range issues {
			if !openNumbers[issue.CalculatedIssueNumber] {
				alreadyDownloaded = true
				break
			}
		}
		if alreadyDownloaded {
			continue
		}

		overlaps := false
		for _, r := range chosenRanges {
			if r.Overlaps(covered) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}

		chosen = append(chosen, result)
		chosenRanges = append(chosenRanges, covered)
	}

	// Search individually for issues nothing covered; a release may only
	// surface on an issue-scoped query.
	for _, issue := range searchable {
		coveredAlready := false
		for _, r := range chosenRanges {
			if r.Contains(issue.CalculatedIssueNumber) {
				coveredAlready = true
				break
			}
		}
		if coveredAlready {
			continue
		}
		extra, err := a.AutoSearch(ctx, volumeID, &issue.ID)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, extra...)
	}

	return chosen, nil
}

// coveredRange determines which issues a search result covers.
func (a *Aggregator) coveredRange(ctx context.Context, volume types.Volume, result types.MatchedSearchResult) (types.IssueRange, bool) {
	switch {
	case result.IssueNumber != nil:
		return *result.IssueNumber, true

	case volume.SpecialVersion == types.SVVolumeAsIssue &&
		result.SpecialVersion == types.SVTPB:
		if result.VolumeNumber == nil {
			return types.IssueRange{}, false
		}
		return result.VolumeNumber.Issues(), true

	case (volume.SpecialVersion == types.SVOneShot ||
		volume.SpecialVersion == types.SVHardCover ||
		volume.SpecialVersion == types.SVTPB) &&
		(result.SpecialVersion == volume.SpecialVersion ||
			result.SpecialVersion == types.SVTPB):
		// A "one of one" release covers the whole volume.
		issues, err := a.store.IssuesForVolume(ctx, volume.ID)
		if err != nil || len(issues) == 0 {
			return types.IssueRange{}, false
		}
		return types.IssueRange{
			Start: issues[0].CalculatedIssueNumber,
			End:   issues[len(issues)-1].CalculatedIssueNumber,
		}, true
	}
	return types.IssueRange{}, false
}
