// Package extract parses file and group titles into their structural parts:
// series name, year, volume number, issue number or range, annual marker and
// special version. Extraction is deterministic and touches neither the
// filesystem nor the store.
package extract

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kapowarr/kapowarr/pkg/types"
)

// ArchiveExtractPrefix is the directory-name prefix used for per-archive
// extraction folders. Leading fragments carrying it are stripped before
// parsing so the series name comes out of the real folder name.
const ArchiveExtractPrefix = "kapowarr_extract"

var (
	yearRegex    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	volumeRegex  = regexp.MustCompile(`(?i)\b(?:volume|vol\.?|v\.)[\s_]*(\d{1,3})(?:\s*[-–]\s*(\d{1,3}))?`)
	issueHashRe  = regexp.MustCompile(`#(\d{1,4}(?:[.,]\d+)?[a-c½]?)(?:\s*[-–]\s*#?(\d{1,4}(?:[.,]\d+)?[a-c½]?))?`)
	issueBareRe  = regexp.MustCompile(`(?:^|\s)(\d{1,4}(?:\.\d+)?[a-c½]?)(?:\s*[-–]\s*(\d{1,4}(?:\.\d+)?[a-c½]?))?(?:\s|$)`)
	issueParenRe = regexp.MustCompile(`\((\d{1,3}(?:\.\d+)?[a-c½]?)(?:\s*[-–]\s*(\d{1,3}(?:\.\d+)?[a-c½]?))?\)`)
	annualRegex  = regexp.MustCompile(`(?i)\bannual\b`)

	specialRegexes = []struct {
		re *regexp.Regexp
		sv types.SpecialVersion
	}{
		{regexp.MustCompile(`(?i)\b(?:tpb|trade[\s-]?paper[\s-]?back)\b`), types.SVTPB},
		{regexp.MustCompile(`(?i)\bone[\s-]?shot\b`), types.SVOneShot},
		{regexp.MustCompile(`(?i)\b(?:hc|hard[\s-]?cover)\b`), types.SVHardCover},
		{regexp.MustCompile(`(?i)\bomnibus\b`), types.SVOmnibus},
		{regexp.MustCompile(`(?i)\bcover\b`), types.SVCover},
		{regexp.MustCompile(`(?i)\b(?:metadata|cvinfo|series[\s-]?info)\b`), types.SVMetadata},
	}

	issueSuffixes = map[byte]float64{'a': 0.1, 'b': 0.2, 'c': 0.3}
)

// Options control extraction behaviour.
type Options struct {
	// AssumeVolumeNumber treats a leading bare number as a volume number
	// when no explicit volume token is present.
	AssumeVolumeNumber bool
	// PreferFolderYear makes a file without its own issue number inherit
	// the year and volume number parsed from its parent folder.
	PreferFolderYear bool
}

// FilenameData parses a path into its structural parts. The basename is the
// primary source; the parent folder fills in missing fields per opts.
func FilenameData(path string, opts Options) types.FilenameData {
	clean := stripExtractFolders(path)
	base := strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean))
	folder := filepath.Base(filepath.Dir(clean))

	data := parseTitle(normalizeTitle(base))

	if folder != "." && folder != string(filepath.Separator) {
		folderData := parseTitle(normalizeTitle(folder))
		// The volume folder commonly carries the year and volume number
		// that the filename omits.
		if opts.PreferFolderYear && data.IssueNumber == nil && folderData.Year != nil {
			data.Year = folderData.Year
		}
		if data.Year == nil {
			data.Year = folderData.Year
		}
		if data.VolumeNumber == nil {
			data.VolumeNumber = folderData.VolumeNumber
		}
		if data.Series == "" {
			data.Series = folderData.Series
		}
	}

	if data.VolumeNumber == nil && opts.AssumeVolumeNumber {
		data.VolumeNumber = leadingBareVolume(normalizeTitle(base))
	}

	// A file carrying only a volume number is almost always a collected
	// edition whose format isn't spelled out in the name.
	if data.SpecialVersion == types.SVNormal && data.IssueNumber == nil && data.VolumeNumber != nil {
		data.SpecialVersion = types.SVTPB
	}

	return data
}

// ProcessIssueNumber turns a literal issue-number string into its float
// normal form: "3b" becomes 3.2, "4½" becomes 4.5, "006" becomes 6.
func ProcessIssueNumber(s string) (float64, bool) {
	s = normalizeNumber(s)
	if s == "" {
		return 0, false
	}

	suffix := 0.0
	if strings.HasSuffix(s, "½") {
		suffix = 0.5
		s = strings.TrimSuffix(s, "½")
	} else if len(s) > 0 {
		if add, ok := issueSuffixes[s[len(s)-1]]; ok {
			suffix = add
			s = s[:len(s)-1]
		}
	}

	if s == "" {
		if suffix == 0.5 {
			return 0.5, true
		}
		return 0, false
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n + suffix, true
}

// ProcessIssueRange parses a literal issue string that may be a range
// ("1-5") into an IssueRange.
func ProcessIssueRange(s string) (types.IssueRange, bool) {
	parts := splitRange(s)
	start, ok := ProcessIssueNumber(parts[0])
	if !ok {
		return types.IssueRange{}, false
	}
	if len(parts) == 1 {
		return types.SingleIssue(start), true
	}
	end, ok := ProcessIssueNumber(parts[1])
	if !ok || end < start {
		return types.SingleIssue(start), true
	}
	return types.IssueRange{Start: start, End: end}, true
}

func splitRange(s string) []string {
	for _, sep := range []string{"-", "–", ","} {
		if i := strings.Index(s, sep); i > 0 {
			return []string{s[:i], s[i+len(sep):]}
		}
	}
	return []string{s}
}

func normalizeNumber(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.ReplaceAll(s, "?", "0")
	return strings.TrimRight(s, ".")
}

func normalizeTitle(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "+", " ")
	return strings.Join(strings.Fields(s), " ")
}

// stripExtractFolders removes path fragments that are extraction sentinels
// so that series names come from real folder names.
func stripExtractFolders(path string) string {
	parts := strings.Split(path, string(filepath.Separator))
	kept := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(p, ArchiveExtractPrefix) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(filepath.Separator))
}

type token struct {
	start int
	end   int
}

func parseTitle(s string) types.FilenameData {
	data := types.FilenameData{}
	seriesEnd := len(s)
	cut := func(t token) {
		if t.start >= 0 && t.start < seriesEnd {
			seriesEnd = t.start
		}
	}

	// Volume number
	if m := volumeRegex.FindStringSubmatchIndex(s); m != nil {
		start, _ := strconv.Atoi(s[m[2]:m[3]])
		vr := types.SingleVolume(start)
		if m[4] != -1 {
			if end, err := strconv.Atoi(s[m[4]:m[5]]); err == nil && end >= start {
				vr.End = end
			}
		}
		data.VolumeNumber = &vr
		cut(token{m[0], m[1]})
	}

	// Year: prefer a parenthesised one, fall back to any 4-digit year.
	yearToken := token{-1, -1}
	for _, m := range yearRegex.FindAllStringIndex(s, -1) {
		parenthesised := m[0] > 0 && s[m[0]-1] == '(' && m[1] < len(s) && s[m[1]] == ')'
		if yearToken.start == -1 || parenthesised {
			yearToken = token{m[0], m[1]}
			if parenthesised {
				yearToken = token{m[0] - 1, m[1] + 1}
				break
			}
		}
	}
	if yearToken.start != -1 {
		ys := strings.Trim(s[yearToken.start:yearToken.end], "()")
		if y, err := strconv.Atoi(ys); err == nil {
			data.Year = &y
			cut(yearToken)
		}
	}

	// Annual
	if m := annualRegex.FindStringIndex(s); m != nil {
		data.Annual = true
	}

	// Special version keywords
	for _, sr := range specialRegexes {
		if m := sr.re.FindStringIndex(s); m != nil {
			data.SpecialVersion = sr.sv
			cut(token{m[0], m[1]})
			break
		}
	}

	// Issue number: '#'-prefixed first, then a bare token, then a
	// parenthesised one. Year and volume positions are excluded.
	if m := issueHashRe.FindStringSubmatchIndex(s); m != nil {
		if ir, ok := rangeFromMatch(s, m); ok {
			data.IssueNumber = &ir
			cut(token{m[0], m[1]})
		}
	}
	if data.IssueNumber == nil {
		if m := findBareIssue(s, yearToken, data.VolumeNumber != nil); m != nil {
			if ir, ok := rangeFromMatch(s, m); ok {
				data.IssueNumber = &ir
				cut(token{m[0], m[1]})
			}
		}
	}
	if data.IssueNumber == nil {
		for _, m := range issueParenRe.FindAllStringSubmatchIndex(s, -1) {
			if overlaps(m[0], m[1], yearToken) {
				continue
			}
			if ir, ok := rangeFromMatch(s, m); ok {
				data.IssueNumber = &ir
				cut(token{m[0], m[1]})
				break
			}
		}
	}

	data.Series = strings.TrimRight(strings.TrimSpace(s[:seriesEnd]), "-–:,. ")
	data.Series = strings.TrimSpace(data.Series)
	return data
}

func rangeFromMatch(s string, m []int) (types.IssueRange, bool) {
	lit := s[m[2]:m[3]]
	if m[4] != -1 {
		lit += "-" + s[m[4]:m[5]]
	}
	return ProcessIssueRange(lit)
}

func overlaps(start, end int, t token) bool {
	return t.start != -1 && start < t.end && t.start < end
}

// findBareIssue locates a standalone numeric token that isn't the year and
// isn't glued to a volume marker.
func findBareIssue(s string, yearToken token, hasVolume bool) []int {
	for _, m := range issueBareRe.FindAllStringSubmatchIndex(s, -1) {
		if overlaps(m[2], m[3], yearToken) {
			continue
		}
		// Skip the number belonging to an explicit volume token.
		if vm := volumeRegex.FindStringSubmatchIndex(s); vm != nil && overlaps(m[2], m[3], token{vm[0], vm[1]}) {
			continue
		}
		// A number at the very start of the title is a series word
		// ("2000 AD") unless a volume context already claimed it.
		if m[2] == 0 && !hasVolume {
			continue
		}
		return m
	}
	return nil
}

// leadingBareVolume interprets a title-leading bare number as a volume
// number, for sources that label collected editions that way.
func leadingBareVolume(s string) *types.VolumeRange {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 || n > 200 {
		return nil
	}
	vr := types.SingleVolume(n)
	return &vr
}
