// ABOUTME: Tests for the markdown rendering helper.

package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTML(t *testing.T) {
	out, err := HTML("**Done!** Here is a [link](https://example.com).")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>Done!</strong>")
	assert.Contains(t, out, `<a href="https://example.com">link</a>`)
}

func TestHTMLImage(t *testing.T) {
	out, err := HTML("![Uploaded Image](https://cdn.example/cat.png)\nWhat is this?")
	require.NoError(t, err)
	assert.Contains(t, out, `<img src="https://cdn.example/cat.png"`)
}

func TestHTMLEmpty(t *testing.T) {
	out, err := HTML("")
	require.NoError(t, err)
	assert.Empty(t, out)
}
