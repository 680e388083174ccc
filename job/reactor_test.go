package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLPatternFindsFirstLink(t *testing.T) {
	assert.Equal(t,
		"https://remote.example/article",
		urlPattern.FindString(`<p>read https://remote.example/article today</p>`),
	)
	assert.Equal(t,
		"http://remote.example/a",
		urlPattern.FindString(`http://remote.example/a and https://remote.example/b`),
	)
	// Markup and quotes terminate the match.
	assert.Equal(t,
		"https://remote.example/x",
		urlPattern.FindString(`<a href="https://remote.example/x">link</a>`),
	)
	assert.Empty(t, urlPattern.FindString("no links here"))
	assert.Empty(t, urlPattern.FindString("ftp://remote.example/file"))
}

func TestPageTitle(t *testing.T) {
	assert.Equal(t, "Hello", pageTitle([]byte(`<html><head><title>Hello</title></head><body></body></html>`)))
	assert.Equal(t, "Trimmed", pageTitle([]byte("<title>\n  Trimmed  \n</title>")))
	assert.Empty(t, pageTitle([]byte(`<html><body><p>untitled</p></body></html>`)))
	assert.Empty(t, pageTitle([]byte("")))
}
