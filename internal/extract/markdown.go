package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown renders a Markdown document as narration text. Every block
// becomes its own paragraph ending in punctuation so the speech has a
// pause between headings and list items. Code, raw HTML and images are
// not read aloud.
func Markdown(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var paragraphs []string
	walkBlocks(doc, src, &paragraphs)
	return Normalize(strings.Join(paragraphs, "\n\n"))
}

func walkBlocks(node ast.Node, src []byte, out *[]string) {
	switch node.(type) {
	case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
		var b strings.Builder
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walkInline(c, src, &b)
		}
		if s := endSentence(b.String()); s != "" {
			*out = append(*out, s)
		}
		return
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.ThematicBreak:
		return
	}
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		walkBlocks(c, src, out)
	}
}

func walkInline(node ast.Node, src []byte, b *strings.Builder) {
	switch n := node.(type) {
	case *ast.Text:
		b.Write(n.Segment.Value(src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			b.WriteByte(' ')
		}
		return
	case *ast.String:
		b.Write(n.Value)
		return
	case *ast.AutoLink:
		b.Write(n.Label(src))
		return
	case *ast.Image, *ast.RawHTML:
		return
	}
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		walkInline(c, src, b)
	}
}

// endSentence trims s and appends a period unless it already ends in
// punctuation.
func endSentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	if strings.ContainsRune(".!?:;…\"'”’)", last) {
		return s
	}
	return s + "."
}
