package tts

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MinSentenceLength keeps abbreviations such as "Dr. Smith" from being
// split into their own chunk.
const MinSentenceLength = 10

var (
	thinkBlock     = regexp.MustCompile(`(?is)<think>.*?</think>\s*`)
	footnoteMarker = regexp.MustCompile(`\[\^?\d+\]`)
)

// skipElements hold content that should never be read aloud.
var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Pre:    true, // fenced code blocks
	atom.Svg:    true,
	atom.Head:   true,
}

// Clean turns an assistant message into plain speakable text: reasoning
// blocks are removed, Markdown is rendered and reduced to its text,
// footnote markers are dropped, and whitespace is collapsed.
func Clean(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	if strings.TrimSpace(text) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return collapse(footnoteMarker.ReplaceAllString(text, ""))
	}

	doc, err := html.Parse(&buf)
	if err != nil {
		return collapse(footnoteMarker.ReplaceAllString(text, ""))
	}

	var w strings.Builder
	extractText(doc, &w)
	return collapse(footnoteMarker.ReplaceAllString(w.String(), ""))
}

func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n")
		}
	}

	if n.Type == html.TextNode {
		w.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Ul, atom.Ol, atom.Li, atom.Table, atom.Tr, atom.Hr:
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Chunk splits text into sentence-sized pieces for concurrent synthesis.
// A boundary is '.', '!' or '?' followed by whitespace; a boundary is
// only taken when the piece before it is at least MinSentenceLength
// characters long. The concatenation of the chunks, joined with single
// spaces, equals the collapsed input.
func Chunk(text string) []string {
	text = collapse(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if i+1-start < MinSentenceLength {
			continue
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:i+1])))
		// The next piece is measured from its first non-space rune.
		start = i + 1
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
