package websearch

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

var noiseElements = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
	"script": true, "style": true, "noscript": true, "iframe": true,
	"object": true, "embed": true, "form": true, "input": true, "button": true,
}

var noiseClasses = map[string]bool{
	"nav": true, "navbar": true, "navigation": true, "sidebar": true, "menu": true,
	"footer": true, "header": true, "ad": true, "advertisement": true,
	"social": true, "share": true, "comments": true, "related": true,
	"breadcrumb": true, "cookie": true, "newsletter": true,
}

// Page is a web page converted to markdown.
type Page struct {
	Title    string
	Markdown string
}

// Converter turns article HTML into markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter returns a converter with GitHub flavoured output.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert extracts the main content of the page and converts it.
func (c *Converter) Convert(content []byte) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(string(content)))
	var title, body string
	if err != nil {
		body = scriptRe.ReplaceAllString(string(content), "")
		body = styleRe.ReplaceAllString(body, "")
	} else {
		title = findTitle(doc)
		body = mainContent(doc)
	}
	markdown, err := c.converter.ConvertString(body)
	if err != nil {
		return nil, err
	}
	markdown = cleanMarkdown(markdown)
	if title == "" {
		title = markdownTitle(markdown)
	}
	return &Page{Title: title, Markdown: markdown}, nil
}

func findTitle(doc *html.Node) string {
	node := findElement(doc, func(n *html.Node) bool {
		return n.Data == "title" && n.FirstChild != nil
	})
	if node == nil {
		return ""
	}
	return strings.TrimSpace(node.FirstChild.Data)
}

// mainContent prefers main, article, or role=main and falls back to the
// body with navigation and other noise removed.
func mainContent(doc *html.Node) string {
	for _, match := range []func(*html.Node) bool{
		func(n *html.Node) bool { return n.Data == "main" },
		func(n *html.Node) bool { return n.Data == "article" },
		func(n *html.Node) bool { return attr(n, "role") == "main" },
	} {
		if node := findElement(doc, match); node != nil {
			removeNoise(node)
			return render(node)
		}
	}
	removeNoise(doc)
	if body := findElement(doc, func(n *html.Node) bool { return n.Data == "body" }); body != nil {
		return render(body)
	}
	return render(doc)
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isNoise(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if noiseElements[n.Data] {
		return true
	}
	for _, class := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		if noiseClasses[class] {
			return true
		}
	}
	return false
}

func removeNoise(n *html.Node) {
	var remove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if isNoise(c) {
				remove = append(remove, c)
				continue
			}
			collect(c)
		}
	}
	collect(n)
	for _, node := range remove {
		node.Parent.RemoveChild(node)
	}
}

func render(n *html.Node) string {
	var sb strings.Builder
	html.Render(&sb, n)
	return sb.String()
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
