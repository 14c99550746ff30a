package mailbody

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"caption": true, "center": true, "dd": true, "div": true, "dl": true,
	"dt": true, "fieldset": true, "figcaption": true, "figure": true,
	"footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true,
	"li": true, "main": true, "nav": true, "ol": true, "p": true,
	"pre": true, "section": true, "table": true, "tbody": true,
	"tfoot": true, "thead": true, "tr": true, "ul": true,
}

// Cells of one table row stay on the same line.
var cellElements = map[string]bool{"td": true, "th": true}

// HTMLToText strips markup, putting every block-level element on its own line.
// Whitespace inside a line is collapsed and blank lines are dropped.
func HTMLToText(src string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return ""
	}
	doc.Find("head, script, style, noscript, template").Remove()

	var b strings.Builder
	for _, n := range doc.Nodes {
		writeNode(&b, n, false)
	}
	return normalizeLines(b.String())
}

func writeNode(b *strings.Builder, n *html.Node, pre bool) {
	switch n.Type {
	case html.TextNode:
		if pre {
			b.WriteString(n.Data)
		} else {
			b.WriteString(collapseSpace(n.Data))
		}
		return
	case html.ElementNode:
		switch {
		case n.Data == "br":
			b.WriteByte('\n')
			return
		case cellElements[n.Data]:
			b.WriteByte(' ')
		case blockElements[n.Data]:
			b.WriteByte('\n')
		}
		if n.Data == "pre" {
			pre = true
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c, pre)
	}

	if n.Type == html.ElementNode && blockElements[n.Data] {
		b.WriteByte('\n')
	}
}

// collapseSpace maps every Unicode space (including NBSP and newlines) to a plain space.
func collapseSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
}

func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
