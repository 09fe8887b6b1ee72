// Package dashboard is a headless rendition of the amplifier dashboard page.
// It loads the server-rendered markup, keeps it current from the telemetry
// websocket and submits the per-card configuration forms.
package dashboard

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	cardClass       = "card"
	cardHeaderClass = "card-header"
	indexAttr       = "data-index"
)

// Page is a parsed dashboard document. Every accessor takes the page lock, so
// handlers mutating the document never interleave.
type Page struct {
	mu  sync.Mutex
	doc *html.Node
}

// Load parses dashboard markup.
func Load(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &Page{doc: doc}, nil
}

// Render writes the current document.
func (p *Page) Render(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Render(w, p.doc)
}

// CardByIndex returns the first card whose data-index equals index.
func (p *Page) CardByIndex(index int) (*Card, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cardByIndex(index)
}

func (p *Page) cardByIndex(index int) (*Card, bool) {
	want := strconv.Itoa(index)
	var found *html.Node
	walk(p.doc, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if hasClass(n, cardClass) {
			if v, ok := attr(n, indexAttr); ok && v == want {
				found = n
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return &Card{page: p, node: found, index: index}, true
}

// Cards returns every card with an integer data-index in document order.
func (p *Page) Cards() []*Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cards()
}

func (p *Page) cards() []*Card {
	var cards []*Card
	walk(p.doc, func(n *html.Node) bool {
		if !hasClass(n, cardClass) {
			return true
		}
		v, ok := attr(n, indexAttr)
		if !ok {
			return true
		}
		index, err := strconv.Atoi(v)
		if err != nil || strconv.Itoa(index) != v {
			return true
		}
		cards = append(cards, &Card{page: p, node: n, index: index})
		return true
	})
	return cards
}

// Card is the region of the page showing one amplifier.
type Card struct {
	page  *Page
	node  *html.Node
	index int
}

// Index returns the amplifier index the card shows.
func (c *Card) Index() int {
	return c.index
}

// Name returns the text of the card header.
func (c *Card) Name() string {
	c.page.mu.Lock()
	defer c.page.mu.Unlock()
	if els := c.fields(cardHeaderClass); len(els) > 0 {
		return strings.TrimSpace(nodeText(els[0].node))
	}
	return ""
}

// Field returns the first element of the card carrying the class name.
func (c *Card) Field(name string) (*Element, bool) {
	els := c.Fields(name)
	if len(els) == 0 {
		return nil, false
	}
	return els[0], true
}

// Fields returns every element of the card carrying the class name.
func (c *Card) Fields(name string) []*Element {
	c.page.mu.Lock()
	defer c.page.mu.Unlock()
	return c.fields(name)
}

func (c *Card) fields(name string) []*Element {
	if name == "" || strings.ContainsAny(name, " \t\n\f\r") {
		return nil
	}
	var els []*Element
	for child := c.node.FirstChild; child != nil; child = child.NextSibling {
		walk(child, func(n *html.Node) bool {
			if hasClass(n, name) {
				els = append(els, &Element{page: c.page, node: n})
			}
			return true
		})
	}
	return els
}

// Form returns the first form inside the card.
func (c *Card) Form() (*Form, bool) {
	c.page.mu.Lock()
	defer c.page.mu.Unlock()
	return c.form()
}

func (c *Card) form() (*Form, bool) {
	var found *html.Node
	walk(c.node, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Form {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return &Form{page: c.page, node: found}, true
}

// Element is a single node of the page.
type Element struct {
	page *Page
	node *html.Node
}

// Text returns the text content of the element.
func (e *Element) Text() string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return nodeText(e.node)
}

// SetText replaces the children of the element with a single text node.
func (e *Element) SetText(s string) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	setNodeText(e.node, s)
}

// Attr returns an attribute value.
func (e *Element) Attr(name string) (string, bool) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return attr(e.node, name)
}

// Style returns an inline style property, or "" when it is not set.
func (e *Element) Style(prop string) string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return nodeStyle(e.node, prop)
}

// SetStyle sets an inline style property. An empty value removes it.
func (e *Element) SetStyle(prop, value string) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	setNodeStyle(e.node, prop, value)
}

// Warned reports whether the element carries the out-of-range styling.
func (e *Element) Warned() bool {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return isWarned(e.node)
}

const (
	warnColor  = "red"
	warnWeight = "bold"
)

func warn(n *html.Node) {
	setNodeStyle(n, "color", warnColor)
	setNodeStyle(n, "font-weight", warnWeight)
}

func clearWarning(n *html.Node) {
	setNodeStyle(n, "color", "")
	setNodeStyle(n, "font-weight", "")
}

func isWarned(n *html.Node) bool {
	return nodeStyle(n, "color") == warnColor && nodeStyle(n, "font-weight") == warnWeight
}

// walk visits n and its descendants in document order. Returning false from
// fn skips the children of the visited node.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	if n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attr(n, key)
	return ok
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func setNodeText(n *html.Node, s string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	if s != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
	}
}

type declaration struct {
	prop  string
	value string
}

func parseStyle(s string) []declaration {
	var decls []declaration
	for _, part := range strings.Split(s, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(value)
		if prop == "" {
			continue
		}
		decls = append(decls, declaration{prop: prop, value: value})
	}
	return decls
}

func formatStyle(decls []declaration) string {
	var b strings.Builder
	for i, d := range decls {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(d.prop)
		b.WriteString(": ")
		b.WriteString(d.value)
		b.WriteByte(';')
	}
	return b.String()
}

func nodeStyle(n *html.Node, prop string) string {
	v, _ := attr(n, "style")
	prop = strings.ToLower(prop)
	value := ""
	for _, d := range parseStyle(v) {
		if d.prop == prop {
			value = d.value
		}
	}
	return value
}

func setNodeStyle(n *html.Node, prop, value string) {
	v, _ := attr(n, "style")
	prop = strings.ToLower(prop)
	decls := parseStyle(v)
	out := decls[:0]
	replaced := false
	for _, d := range decls {
		if d.prop != prop {
			out = append(out, d)
			continue
		}
		if value != "" && !replaced {
			out = append(out, declaration{prop: prop, value: value})
			replaced = true
		}
	}
	if value != "" && !replaced {
		out = append(out, declaration{prop: prop, value: value})
	}
	if len(out) == 0 {
		removeAttr(n, "style")
		return
	}
	setAttr(n, "style", formatStyle(out))
}
