package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// unknownValue renders in place of a naming token whose value is missing.
const unknownValue = "Unknown"

var formatTokenRegex = regexp.MustCompile(`\{([a-z_]+)\}`)

var baseTokens = map[string]bool{
	"series_name":       true,
	"clean_series_name": true,
	"volume_number":     true,
	"year":              true,
	"publisher":         true,
	"comicvine_id":      true,
	"special_version":   true,
}

var issueTokens = map[string]bool{
	"issue_number":       true,
	"issue_title":        true,
	"issue_release_date": true,
	"issue_release_year": true,
	"issue_comicvine_id": true,
}

var shortSpecialVersion = map[types.SpecialVersion]string{
	types.SVTPB:           "TPB",
	types.SVOneShot:       "One-Shot",
	types.SVHardCover:     "HC",
	types.SVOmnibus:       "Omnibus",
	types.SVVolumeAsIssue: "TPB",
	types.SVCover:         "Cover",
	types.SVMetadata:      "Metadata",
}

var longSpecialVersion = map[types.SpecialVersion]string{
	types.SVTPB:           "Trade Paper Back",
	types.SVOneShot:       "One-Shot",
	types.SVHardCover:     "Hard-Cover",
	types.SVOmnibus:       "Omnibus",
	types.SVVolumeAsIssue: "Trade Paper Back",
	types.SVCover:         "Cover",
	types.SVMetadata:      "Metadata",
}

var leadingArticleRegex = regexp.MustCompile(`(?i)^(the|a|an)\s+`)

// cleanSeriesName moves a leading article to a suffix: "The Flash" becomes
// "Flash, The".
func cleanSeriesName(series string) string {
	if m := leadingArticleRegex.FindStringSubmatch(series); m != nil {
		return strings.TrimSpace(series[len(m[0]):]) + ", " + m[1]
	}
	return series
}

// formatIssueNumber renders a calculated issue number zero-padded to three
// integer digits, keeping any fractional part.
func formatIssueNumber(n float64) string {
	s := strconv.FormatFloat(n, 'f', -1, 64)
	intPart, frac, hasFrac := strings.Cut(s, ".")
	for len(intPart) < 3 {
		intPart = "0" + intPart
	}
	if hasFrac {
		return intPart + "." + frac
	}
	return intPart
}

// formatIssueRange renders "NNN" or "NNN - MMM".
func formatIssueRange(r types.IssueRange) string {
	if r.Single() {
		return formatIssueNumber(r.Start)
	}
	return formatIssueNumber(r.Start) + " - " + formatIssueNumber(r.End)
}

// ValidateFormat checks a naming format string: unknown tokens and path
// separators that the host OS can't use are rejected.
func ValidateFormat(format string, forIssues bool) error {
	disallowed := `\`
	if filepath.Separator == '\\' {
		disallowed = "/"
	}
	if strings.Contains(format, disallowed) {
		return errs.ErrInvalidSettingValue.WithDetail("format contains %q", disallowed)
	}

	for _, m := range formatTokenRegex.FindAllStringSubmatch(format, -1) {
		token := m[1]
		if baseTokens[token] {
			continue
		}
		if forIssues && issueTokens[token] {
			continue
		}
		return errs.ErrInvalidSettingValue.WithDetail("unknown token {%s}", token)
	}
	return nil
}

type nameValues struct {
	volume      types.Volume
	issueRange  *types.IssueRange
	issues      []types.Issue
	longSpecial bool
}

func (nv nameValues) value(token string) string {
	v := nv.volume
	switch token {
	case "series_name":
		return CleanFilename(v.Title)
	case "clean_series_name":
		return CleanFilename(cleanSeriesName(v.Title))
	case "volume_number":
		return fmt.Sprintf("%d", v.VolumeNumber)
	case "year":
		if v.Year != nil {
			return fmt.Sprintf("%d", *v.Year)
		}
	case "publisher":
		if v.Publisher != "" {
			return CleanFilename(v.Publisher)
		}
	case "comicvine_id":
		return fmt.Sprintf("%d", v.ComicvineID)
	case "special_version":
		mapping := shortSpecialVersion
		if nv.longSpecial {
			mapping = longSpecialVersion
		}
		if s, ok := mapping[v.SpecialVersion]; ok {
			return s
		}
	case "issue_number":
		if nv.issueRange != nil {
			return formatIssueRange(*nv.issueRange)
		}
	case "issue_title":
		if len(nv.issues) > 0 && nv.issues[0].Title != "" {
			return CleanFilename(nv.issues[0].Title)
		}
	case "issue_release_date":
		if len(nv.issues) > 0 && nv.issues[0].Date != "" {
			return nv.issues[0].Date
		}
	case "issue_release_year":
		if len(nv.issues) > 0 {
			if y := nv.issues[0].Year(); y != nil {
				return fmt.Sprintf("%d", *y)
			}
		}
	case "issue_comicvine_id":
		if len(nv.issues) > 0 {
			return fmt.Sprintf("%d", nv.issues[0].ComicvineID)
		}
	}
	return unknownValue
}

func renderFormat(format string, nv nameValues) string {
	return formatTokenRegex.ReplaceAllStringFunc(format, func(m string) string {
		return nv.value(formatTokenRegex.FindStringSubmatch(m)[1])
	})
}

// GenerateVolumeFolderName renders the volume folder name (relative to the
// root folder) from the configured format.
func GenerateVolumeFolderName(format string, volume types.Volume) string {
	return CleanPath(renderFormat(format, nameValues{volume: volume}))
}

// checkMockFilename verifies a format round-trips: a name rendered from a
// synthetic volume must extract and import-filter back onto that volume,
// and a format carrying an issue number must recover it exactly.
func checkMockFilename(format string, longSpecial bool, version types.SpecialVersion) bool {
	year := 2000
	mockVolume := types.Volume{
		Title:          "Mock Title",
		Year:           &year,
		VolumeNumber:   1,
		SpecialVersion: version,
	}
	mockIssue := types.Issue{
		IssueNumber:           "1",
		CalculatedIssueNumber: 1.0,
		Title:                 "Mock Issue Title",
		Date:                  "2000-01-01",
	}
	r := types.SingleIssue(1.0)
	rendered := renderFormat(format, nameValues{
		volume:      mockVolume,
		issueRange:  &r,
		issues:      []types.Issue{mockIssue},
		longSpecial: longSpecial,
	})

	fd := extract.FilenameData(rendered+".cbz", extract.Options{})
	numberToYear := map[float64]*int{1.0: &year}
	if !matching.FileImportingFilter(fd, mockVolume, []types.Issue{mockIssue}, numberToYear) {
		return false
	}
	if !strings.Contains(format, "{issue_number}") {
		return true
	}
	if fd.IssueNumber != nil && fd.IssueNumber.Single() && fd.IssueNumber.Start == 1.0 {
		return true
	}
	// Volume-as-issue names carry the number in the volume position.
	return version == types.SVVolumeAsIssue &&
		fd.VolumeNumber != nil && fd.VolumeNumber.Single() && fd.VolumeNumber.Start == 1
}

// stripIssueTitle removes the {issue_title} token and its immediate
// decoration from a format.
func stripIssueTitle(format string) string {
	for _, pattern := range []string{" - {issue_title}", " {issue_title}", "{issue_title}"} {
		if strings.Contains(format, pattern) {
			return strings.ReplaceAll(format, pattern, "")
		}
	}
	return format
}

// RenamePlan is the proposed move of one file.
type RenamePlan struct {
	Before string
	After  string
}

// PreviewRename computes the canonical paths of a volume's files. The
// returned plan only contains files whose path would change, and its target
// set is collision-free.
func (p *Pipeline) PreviewRename(ctx context.Context, volumeID int64, filter []string) ([]RenamePlan, error) {
	sv := p.settings.Get()
	volume, err := p.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	volumeFiles, err := p.store.FilesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	generalFiles, err := p.store.GeneralFiles(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	filterSet := map[string]bool{}
	for _, f := range filter {
		filterSet[f] = true
	}
	keep := func(path string) bool {
		return len(filterSet) == 0 || filterSet[path]
	}

	format := p.selectFormat(sv.FileNaming, sv.FileNamingSpecialVersion, sv.FileNamingVAI, volume)
	if !checkMockFilename(format, sv.LongSpecialVersion, volume.SpecialVersion) {
		stripped := stripIssueTitle(format)
		if stripped != format && checkMockFilename(stripped, sv.LongSpecialVersion, volume.SpecialVersion) {
			format = stripped
		} else {
			// The format can't round-trip; keep original names.
			return nil, nil
		}
	}

	var plans []RenamePlan
	targets := map[string]bool{}

	reserve := func(candidate, source string) string {
		final := candidate
		ext := filepath.Ext(candidate)
		base := strings.TrimSuffix(candidate, ext)
		for n := 1; ; n++ {
			inPlan := targets[final]
			onDisk := final != source && pathExistsOnDisk(final) && !plannedSource(plans, final)
			if !inPlan && !onDisk {
				break
			}
			final = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		targets[final] = true
		return final
	}

	for _, file := range sortedFiles(volumeFiles) {
		if !keep(file.Filepath) {
			continue
		}
		covered, err := p.store.IssuesCovered(ctx, file.Filepath)
		if err != nil {
			return nil, err
		}
		if len(covered) == 0 {
			continue
		}
		issueRange := types.IssueRange{Start: covered[0], End: covered[len(covered)-1]}
		issues, err := p.store.IssuesInRange(ctx, volumeID, issueRange)
		if err != nil {
			return nil, err
		}

		rendered := renderFormat(format, nameValues{
			volume:      volume,
			issueRange:  &issueRange,
			issues:      issues,
			longSpecial: sv.LongSpecialVersion,
		})
		rendered = CleanPath(rendered)

		ext := strings.ToLower(filepath.Ext(file.Filepath))
		var target string
		if ImageExtensions[ext] {
			// Images belonging to an issue live in a sub-folder per
			// issue.
			target = filepath.Join(volume.Folder, rendered,
				CleanFilename(filepath.Base(file.Filepath)))
		} else {
			target = filepath.Join(volume.Folder, rendered+ext)
		}

		target = reserve(target, file.Filepath)
		if target != file.Filepath {
			plans = append(plans, RenamePlan{Before: file.Filepath, After: target})
		}
	}

	for _, gf := range generalFiles {
		if !keep(gf.Filepath) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(gf.Filepath))
		target := filepath.Join(volume.Folder, string(gf.FileType)+ext)
		target = reserve(target, gf.Filepath)
		if target != gf.Filepath {
			plans = append(plans, RenamePlan{Before: gf.Filepath, After: target})
		}
	}

	return plans, nil
}

func (p *Pipeline) selectFormat(normal, special, vai string, volume types.Volume) string {
	switch volume.SpecialVersion {
	case types.SVNormal:
		return normal
	case types.SVVolumeAsIssue:
		return vai
	default:
		return special
	}
}

func sortedFiles(files []types.File) []types.File {
	sorted := append([]types.File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Filepath < sorted[j].Filepath
	})
	return sorted
}

func plannedSource(plans []RenamePlan, path string) bool {
	for _, plan := range plans {
		if plan.Before == path {
			return true
		}
	}
	return false
}

func pathExistsOnDisk(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MassRename renames a volume's files onto their canonical paths, updates
// the stored paths in one batch and collapses emptied folders. Returns the
// new paths of the files that were moved; files already on their canonical
// path are not included. Running it twice is a no-op.
func (p *Pipeline) MassRename(ctx context.Context, volumeID int64, filter []string) ([]string, error) {
	sv := p.settings.Get()
	volume, err := p.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	plans, err := p.PreviewRename(ctx, volumeID, filter)
	if err != nil {
		return nil, err
	}

	var oldPaths, newPaths []string
	for _, plan := range plans {
		if err := RenameFile(plan.Before, plan.After); err != nil {
			return nil, err
		}
		oldPaths = append(oldPaths, plan.Before)
		newPaths = append(newPaths, plan.After)
	}

	if err := p.store.UpdateFilepaths(ctx, oldPaths, newPaths); err != nil {
		return nil, err
	}

	if sv.DeleteEmptyFolders {
		if err := DeleteEmptyChildFolders(volume.Folder, true); err != nil {
			return nil, err
		}
		remaining, err := ListFiles(volume.Folder, nil)
		if err == nil && len(remaining) == 0 && !sv.CreateEmptyVolumeFolders {
			if root, err := p.store.GetRootFolder(ctx, volume.RootFolderID); err == nil {
				if err := DeleteEmptyParentFolders(volume.Folder, root.Folder); err != nil {
					return nil, err
				}
			}
		}
	}

	p.logger.Info().
		Int64("volume_id", volumeID).
		Int("renamed", len(plans)).
		Msg("Mass rename done")
	return newPaths, nil
}
