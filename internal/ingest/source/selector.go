package source

import (
	"strings"

	"golang.org/x/net/html"
)

// Selectors use a small CSS subset, applied with the descendant combinator:
//
//	tag  .class  #id  tag.class  tag#id  tag[attr]  tag[attr=val]
//
// Alternatives are separated by commas. A trailing "@attr" selects an
// attribute value instead of the element text, e.g. "h3 a@href" or
// "meta[name=description]@content".

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

type query struct {
	alternatives [][]simpleSelector
	attr         string
}

func parseQuery(sel string) query {
	var q query
	sel = strings.TrimSpace(sel)
	if idx := strings.LastIndexByte(sel, '@'); idx >= 0 && !strings.ContainsAny(sel[idx:], "]") {
		q.attr = strings.TrimSpace(sel[idx+1:])
		sel = sel[:idx]
	}
	for _, alt := range strings.Split(sel, ",") {
		parts := strings.Fields(alt)
		if len(parts) == 0 {
			continue
		}
		chain := make([]simpleSelector, 0, len(parts))
		for _, p := range parts {
			chain = append(chain, parseSimpleSelector(p))
		}
		q.alternatives = append(q.alternatives, chain)
	}
	return q
}

func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = strings.ToLower(sel)
	return s
}

// selectAll returns the nodes matching sel below root, in document order
// per alternative.
func selectAll(root *html.Node, sel string) []*html.Node {
	return parseQuery(sel).nodes(root)
}

func (q query) nodes(root *html.Node) []*html.Node {
	var out []*html.Node
	seen := make(map[*html.Node]bool)
	for _, chain := range q.alternatives {
		matches := descendants(root, chain[0])
		for _, s := range chain[1:] {
			var next []*html.Node
			inner := make(map[*html.Node]bool)
			for _, parent := range matches {
				for _, n := range descendants(parent, s) {
					if !inner[n] {
						inner[n] = true
						next = append(next, n)
					}
				}
			}
			matches = next
		}
		for _, n := range matches {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// selectValues returns the trimmed, non-empty text or attribute values
// matched by sel.
func selectValues(root *html.Node, sel string) []string {
	if strings.TrimSpace(sel) == "" {
		return nil
	}
	q := parseQuery(sel)
	var out []string
	for _, n := range q.nodes(root) {
		var v string
		if q.attr != "" {
			v = getAttr(n, q.attr)
		} else {
			v = collectText(n)
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// selectFirst returns the first value matched by sel, or "".
func selectFirst(root *html.Node, sel string) string {
	if vals := selectValues(root, sel); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// descendants returns nodes strictly below root that match s.
func descendants(root *html.Node, s simpleSelector) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if matches(c, s) {
				results = append(results, c)
			}
			walk(c)
		}
	}
	walk(root)
	return results
}

func matches(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		found := false
		for _, c := range strings.Fields(getAttr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		if !hasAttr(n, s.attrKey) {
			return false
		}
		if s.attrVal != "" && getAttr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// collectText concatenates the text below n, skipping script and style,
// with block boundaries collapsed to single spaces.
func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
