package catalog

import (
	"regexp"
	"strings"
)

// SiteURL is the public site of the catalog, used to absolutise relative
// hyperlinks in descriptions.
const SiteURL = "https://comicvine.gamespot.com"

var (
	figureRegex   = regexp.MustCompile(`(?s)<figure[^>]*>.*?</figure>|<img[^>]*/?>`)
	emptyParaRe   = regexp.MustCompile(`(?s)<p[^>]*>(?:\s|&nbsp;|\.|<br\s*/?>)*</p>`)
	headerListRe  = regexp.MustCompile(`(?i)<(?:h[2-6]|ul|ol)\b`)
	trailingLabel = regexp.MustCompile(`(?s)<p[^>]*>(?:<(?:b|i|strong)>)?[^<]*:\s*(?:</(?:b|i|strong)>)?\s*</p>\s*$`)
	hrefRegex     = regexp.MustCompile(`href="([^"]*)"`)
)

// languageRegexes capture the language word of description phrasings that
// indicate a non-English publication. The match only counts when the
// captured word isn't "English".
var languageRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^<p>\s*(\w+) publication`),
	regexp.MustCompile(`(?i)^<p>\s*published by the (\w+) wing of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) translations? of`),
	regexp.MustCompile(`(?i)^<p>\s*publishes in (\w+)`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) language`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) edition of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) reprint of`),
	regexp.MustCompile(`(?i)^<p>\s*(\w+) trade collection of`),
}

// CleanDescription reduces a volume or issue description (html) to the
// essential information. Images and practically empty paragraphs are always
// removed; unless short is set, the trailing credits sections (the first
// header or list and everything after it) are cut as well. Relative
// hyperlinks are fixed to absolute ones.
func CleanDescription(description string, short bool) string {
	if description == "" {
		return description
	}

	result := figureRegex.ReplaceAllString(description, "")
	result = emptyParaRe.ReplaceAllString(result, "")

	if !short {
		if loc := headerListRe.FindStringIndex(result); loc != nil {
			result = result[:loc[0]]
			// A paragraph announcing the removed list goes too.
			result = trailingLabel.ReplaceAllString(result, "")
		}
	}

	result = hrefRegex.ReplaceAllStringFunc(result, func(m string) string {
		href := hrefRegex.FindStringSubmatch(m)[1]
		fixed := strings.TrimLeft(href, "./")
		if !strings.HasPrefix(fixed, "http") {
			fixed = SiteURL + "/" + fixed
		}
		return `href="` + fixed + `" target="_blank"`
	})

	return strings.TrimSpace(result)
}

// IsTranslated reports whether a cleaned description indicates a non-English
// publication, used to suppress cross-language matches by default.
func IsTranslated(description string) bool {
	for _, re := range languageRegexes {
		if m := re.FindStringSubmatch(description); m != nil {
			if !strings.EqualFold(m[1], "english") {
				return true
			}
		}
	}
	return false
}
