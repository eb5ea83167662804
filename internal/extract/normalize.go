package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	horizontalSpace = regexp.MustCompile(`[\t\v\f\r \p{Zs}]+`)
	spaceAroundLF   = regexp.MustCompile(` *\n *`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans extracted text: NFC composition, LF line endings,
// horizontal whitespace collapsed to single spaces, no spaces at line
// edges, at most one blank line between paragraphs, trimmed ends.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	// form feeds separate pages in most text layers
	text = strings.ReplaceAll(text, "\f", "\n\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceAroundLF.ReplaceAllString(text, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
