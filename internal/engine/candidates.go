// internal/engine/candidates.go
package engine

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

// priorityKeywords bump candidates whose text or attributes suggest an
// invoicing flow. Scores are additive.
var priorityKeywords = map[string]float64{
	"facturación": 5, "facturacion": 5, "factura": 5, "facturar": 5,
	"cfdi": 5, "comprobante": 4, "timbrar": 4, "timbrado": 4,
	"invoice": 4, "invoicing": 4, "billing": 3,
	"rfc": 3, "fiscal": 3, "folio": 2, "ticket": 2,
	"continuar": 2, "siguiente": 2, "continue": 2, "next": 2,
	"generar": 2, "descargar": 2, "submit": 1, "enviar": 1,
}

// ExtractCandidates parses a DOM snapshot and derives the ephemeral
// interaction targets for one iteration: links, buttons, and form inputs,
// each with a stable CSS selector and a priority score. Candidates are
// recomputed every step; the DOM may change under the engine at any time.
func ExtractCandidates(domHTML string, limit int) ([]schemas.CandidateElement, error) {
	doc, err := html.Parse(strings.NewReader(domHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOM snapshot: %w", err)
	}

	var out []schemas.CandidateElement
	walkCandidates(doc, nil, &out)

	for i := range out {
		out[i].Priority += keywordScore(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pathStep records one hop of the element path used to synthesize a
// positional selector when no id or name exists.
type pathStep struct {
	tag   string
	index int
}

func walkCandidates(n *html.Node, path []pathStep, out *[]schemas.CandidateElement) {
	if n.Type == html.ElementNode {
		// A hidden element hides its whole subtree; nothing under it is a
		// usable target.
		if skipSubtree(n) || isHidden(n) {
			return
		}
		if c, ok := candidateFrom(n, path); ok {
			*out = append(*out, c)
		}
	}

	counts := map[string]int{}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode {
			continue
		}
		tag := child.Data
		counts[tag]++
		walkCandidates(child, append(path, pathStep{tag: tag, index: counts[tag]}), out)
	}
}

func skipSubtree(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
		return true
	}
	return false
}

func candidateFrom(n *html.Node, path []pathStep) (schemas.CandidateElement, bool) {
	var c schemas.CandidateElement

	switch n.DataAtom {
	case atom.A:
		c.Type = schemas.CandidateLink
		c.Href = attr(n, "href")
	case atom.Button:
		c.Type = schemas.CandidateButton
	case atom.Input:
		switch strings.ToLower(attr(n, "type")) {
		case "submit", "button", "image":
			c.Type = schemas.CandidateButton
		case "hidden":
			return c, false
		default:
			c.Type = schemas.CandidateInput
		}
	case atom.Select, atom.Textarea:
		c.Type = schemas.CandidateInput
	default:
		// Non-native clickables: ARIA buttons and onclick handlers.
		if attr(n, "role") == "button" || attr(n, "onclick") != "" {
			c.Type = schemas.CandidateGeneric
		} else {
			return c, false
		}
	}

	c.Name = attr(n, "name")
	c.Placeholder = attr(n, "placeholder")
	c.Text = visibleText(n)
	if c.Text == "" {
		c.Text = firstNonEmptyAttr(n, "value", "aria-label", "title", "alt")
	}
	c.Selector = deriveSelector(n, path)
	if c.Selector == "" {
		return c, false
	}

	switch c.Type {
	case schemas.CandidateButton:
		c.Priority = 2
	case schemas.CandidateLink, schemas.CandidateInput:
		c.Priority = 1
	}
	return c, true
}

// deriveSelector prefers an id, then a name attribute, then a positional
// tag path from the document root. The positional form is what the clicked
// set hashes, so it must be deterministic for an unchanged DOM.
func deriveSelector(n *html.Node, path []pathStep) string {
	if id := attr(n, "id"); id != "" && !strings.ContainsAny(id, " \t\n") {
		return "#" + id
	}
	if name := attr(n, "name"); name != "" && !strings.ContainsAny(name, " \t\n\"") {
		return fmt.Sprintf("%s[name=\"%s\"]", n.Data, name)
	}
	if len(path) == 0 {
		return ""
	}
	parts := make([]string, 0, len(path))
	for _, p := range path {
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", p.tag, p.index))
	}
	return strings.Join(parts, " > ")
}

func keywordScore(c schemas.CandidateElement) float64 {
	haystack := strings.ToLower(c.Text + " " + c.Href + " " + c.Name + " " + c.Placeholder)
	var score float64
	for kw, w := range priorityKeywords {
		if strings.Contains(haystack, kw) {
			score += w
		}
	}
	return score
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstNonEmptyAttr(n *html.Node, keys ...string) string {
	for _, k := range keys {
		if v := attr(n, k); v != "" {
			return v
		}
	}
	return ""
}

// isHidden filters the obvious cases only; full visibility needs a layout
// pass the snapshot cannot provide.
func isHidden(n *html.Node) bool {
	if attr(n, "hidden") != "" || attr(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ToLower(attr(n, "style"))
	return strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
		strings.Contains(style, "visibility:hidden") || strings.Contains(style, "visibility: hidden")
}

func visibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			return
		}
		if node.Type == html.ElementNode && skipSubtree(node) {
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	text := strings.Join(strings.Fields(b.String()), " ")
	if runes := []rune(text); len(runes) > 120 {
		text = string(runes[:120])
	}
	return text
}
