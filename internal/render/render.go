// ABOUTME: Markdown rendering helper for finalized message content.
// ABOUTME: Embedding layers call this to turn assistant replies into HTML.

package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// HTML converts markdown message content to HTML.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return buf.String(), nil
}
