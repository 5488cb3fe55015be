package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanDescriptionRemovesImages(t *testing.T) {
	in := `<p>Intro.</p><figure><img src="x.jpg"/></figure><p>Body.</p>`
	out := CleanDescription(in, false)
	assert.NotContains(t, out, "<figure")
	assert.NotContains(t, out, "<img")
	assert.Contains(t, out, "Intro.")
	assert.Contains(t, out, "Body.")
}

func TestCleanDescriptionRemovesEmptyParagraphs(t *testing.T) {
	in := `<p>Real.</p><p>   </p><p>.</p>`
	out := CleanDescription(in, false)
	assert.Equal(t, "<p>Real.</p>", out)
}

func TestCleanDescriptionTrimsCreditsSections(t *testing.T) {
	in := `<p>Summary of the volume.</p>` +
		`<h4>Collected Editions</h4><ul><li>Volume 1</li></ul>`
	out := CleanDescription(in, false)
	assert.Equal(t, "<p>Summary of the volume.</p>", out)

	// short mode keeps the trailing sections.
	short := CleanDescription(in, true)
	assert.Contains(t, short, "Collected Editions")
}

func TestCleanDescriptionDropsListLabelParagraph(t *testing.T) {
	in := `<p>Summary.</p><p>Creators:</p><ul><li>Someone</li></ul>`
	out := CleanDescription(in, false)
	assert.Equal(t, "<p>Summary.</p>", out)
}

func TestCleanDescriptionFixesRelativeLinks(t *testing.T) {
	in := `<p>See <a href="/wiki/thing">this</a>.</p>`
	out := CleanDescription(in, false)
	assert.Contains(t, out, `href="`+SiteURL+`/wiki/thing"`)
	assert.Contains(t, out, `target="_blank"`)

	absolute := `<p><a href="https://elsewhere.example/x">x</a></p>`
	out = CleanDescription(absolute, false)
	assert.Contains(t, out, `href="https://elsewhere.example/x"`)
}

func TestIsTranslated(t *testing.T) {
	tests := []struct {
		description string
		expected    bool
	}{
		{"<p>French publication.</p>", true},
		{"<p>English publication.</p>", false},
		{"<p>Spanish translation of Invincible.</p>", true},
		{"<p>German edition of the classic run.</p>", true},
		{"<p>Published in the Italian language.</p>", false},
		{"<p>A regular superhero story.</p>", false},
		{"<p>Japanese language release.</p>", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsTranslated(tt.description), tt.description)
	}
}

func TestParseCatalogID(t *testing.T) {
	for _, input := range []string{"123", "cv:123", "4050-123", "cv:4050-123"} {
		id, err := ParseCatalogID(input)
		assert.NoError(t, err, input)
		assert.Equal(t, int64(123), id, input)
	}

	for _, input := range []string{"", "abc", "cv:", "-5"} {
		_, err := ParseCatalogID(input)
		assert.Error(t, err, input)
	}
}
