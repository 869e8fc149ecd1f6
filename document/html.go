package document

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// Elements that never carry contract text.
var strippedElements = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
	"script": true, "style": true, "noscript": true, "iframe": true,
	"object": true, "embed": true, "form": true, "button": true,
}

// HTMLParser converts HTML contracts to Markdown, keeping headings, lists and
// tables readable for the model.
type HTMLParser struct {
	converter *md.Converter
}

// NewHTMLParser creates a new HTML parser.
func NewHTMLParser() *HTMLParser {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &HTMLParser{converter: converter}
}

// Parse decodes the page, narrows it to the main content and converts it.
func (p *HTMLParser) Parse(_ string, content []byte) (string, error) {
	text, err := DecodeText(content)
	if err != nil {
		return "", err
	}

	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}

	root := mainContent(doc)
	removeElements(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", fmt.Errorf("render HTML: %w", err)
	}

	markdown, err := p.converter.ConvertString(buf.String())
	if err != nil {
		return "", fmt.Errorf("convert HTML: %w", err)
	}
	return cleanMarkdown(markdown), nil
}

// CanParse returns true for HTML and XHTML.
func (p *HTMLParser) CanParse(mimeType string) bool {
	return mimeType == MimeHTML || mimeType == "application/xhtml+xml"
}

// MimeType returns the primary MIME type for this parser.
func (p *HTMLParser) MimeType() string {
	return MimeHTML
}

// mainContent returns <main>, <article>, [role=main] or <body>, in that
// order, falling back to the whole document.
func mainContent(doc *html.Node) *html.Node {
	for _, match := range []func(*html.Node) bool{
		isTag("main"),
		isTag("article"),
		hasAttr("role", "main"),
		isTag("body"),
	} {
		if n := findNode(doc, match); n != nil {
			return n
		}
	}
	return doc
}

func isTag(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func hasAttr(key, val string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return true
			}
		}
		return false
	}
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

// removeElements drops non-content elements below n.
func removeElements(n *html.Node) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && strippedElements[c.Data] {
				toRemove = append(toRemove, c)
				continue
			}
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		node.Parent.RemoveChild(node)
	}
}

// cleanMarkdown collapses runs of blank lines and trailing spaces.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
