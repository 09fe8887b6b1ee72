package dashboard

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Form is a configuration form of a card.
type Form struct {
	page *Page
	node *html.Node
}

// controls returns the listed form controls in document order.
func (f *Form) controls() []*html.Node {
	var out []*html.Node
	walk(f.node, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.DataAtom {
		case atom.Input, atom.Select, atom.Textarea, atom.Button:
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// inputType returns the lower-cased type of an input, defaulting to text.
func inputType(n *html.Node) string {
	t, _ := attr(n, "type")
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "text"
	}
	return t
}

// buttonType returns the lower-cased type of a button, defaulting to submit.
func buttonType(n *html.Node) string {
	t, _ := attr(n, "type")
	switch t = strings.ToLower(strings.TrimSpace(t)); t {
	case "button", "reset":
		return t
	}
	return "submit"
}

func isSubmitControl(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Input:
		t := inputType(n)
		return t == "submit" || t == "image"
	case atom.Button:
		return buttonType(n) == "submit"
	}
	return false
}

func isDisabled(n *html.Node) bool {
	if hasAttr(n, "disabled") {
		return true
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Fieldset && hasAttr(p, "disabled") {
			return true
		}
	}
	return false
}

func isCheckable(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return false
	}
	t := inputType(n)
	return t == "checkbox" || t == "radio"
}

// controlValue returns the current value of a text-like control.
func controlValue(n *html.Node) string {
	switch n.DataAtom {
	case atom.Textarea:
		return nodeText(n)
	case atom.Input:
		v, ok := attr(n, "value")
		if !ok && isCheckable(n) {
			return "on"
		}
		return v
	case atom.Button:
		v, _ := attr(n, "value")
		return v
	}
	return ""
}

func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	walk(sel, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

func optionValue(opt *html.Node) string {
	if v, ok := attr(opt, "value"); ok {
		return v
	}
	return strings.Join(strings.Fields(nodeText(opt)), " ")
}

// selectedValues returns the values of the selected options. A single select
// without an explicitly selected option selects its first enabled option.
func selectedValues(sel *html.Node) []string {
	opts := options(sel)
	var out []string
	for _, o := range opts {
		if hasAttr(o, "selected") {
			out = append(out, optionValue(o))
		}
	}
	if hasAttr(sel, "multiple") {
		return out
	}
	if len(out) > 0 {
		return out[len(out)-1:]
	}
	for _, o := range opts {
		if !hasAttr(o, "disabled") {
			return []string{optionValue(o)}
		}
	}
	return nil
}

// Value returns the current value of the first control with the name. For
// radio groups it is the value of the checked button.
func (f *Form) Value(name string) (string, bool) {
	f.page.mu.Lock()
	defer f.page.mu.Unlock()
	found := false
	for _, n := range f.controls() {
		if v, _ := attr(n, "name"); v != name {
			continue
		}
		found = true
		switch {
		case n.DataAtom == atom.Select:
			vals := selectedValues(n)
			if len(vals) == 0 {
				return "", true
			}
			return vals[0], true
		case isCheckable(n):
			if hasAttr(n, "checked") {
				return controlValue(n), true
			}
		default:
			return controlValue(n), true
		}
	}
	return "", found
}

// Set changes a control value the way typing or picking would. Checkboxes
// and radio buttons are checked when their value equals value; for a
// checkbox any other value unchecks it.
func (f *Form) Set(name, value string) error {
	f.page.mu.Lock()
	defer f.page.mu.Unlock()
	matched := false
	for _, n := range f.controls() {
		if v, _ := attr(n, "name"); v != name || isSubmitControl(n) {
			continue
		}
		switch {
		case n.DataAtom == atom.Select:
			opts := options(n)
			pick := -1
			for i, o := range opts {
				if optionValue(o) == value {
					pick = i
					break
				}
			}
			if pick < 0 {
				return fmt.Errorf("select %q has no option %q", name, value)
			}
			for i, o := range opts {
				if i == pick {
					setAttr(o, "selected", "")
				} else if !hasAttr(n, "multiple") {
					removeAttr(o, "selected")
				}
			}
			return nil
		case isCheckable(n):
			if controlValue(n) == value {
				setAttr(n, "checked", "")
				matched = true
			} else {
				removeAttr(n, "checked")
			}
			if inputType(n) == "checkbox" {
				return nil
			}
		case n.DataAtom == atom.Textarea:
			setNodeText(n, value)
			return nil
		case n.DataAtom == atom.Input:
			setAttr(n, "value", value)
			return nil
		}
	}
	if matched {
		return nil
	}
	return fmt.Errorf("form has no control named %q", name)
}

// pair is one successful control name and value.
type pair struct {
	name  string
	value string
}

// successful lists the name/value pairs a form submission carries, in
// document order. Submit buttons never contribute.
func (f *Form) successful() []pair {
	var out []pair
	for _, n := range f.controls() {
		name, _ := attr(n, "name")
		if name == "" || isDisabled(n) {
			continue
		}
		switch n.DataAtom {
		case atom.Button:
			continue
		case atom.Input:
			switch inputType(n) {
			case "submit", "button", "image", "reset", "file":
				continue
			case "checkbox", "radio":
				if !hasAttr(n, "checked") {
					continue
				}
			}
		case atom.Select:
			for _, v := range selectedValues(n) {
				out = append(out, pair{name: name, value: normalizeNewlines(v)})
			}
			continue
		}
		out = append(out, pair{name: name, value: normalizeNewlines(controlValue(n))})
	}
	return out
}

// Serialize encodes the successful controls as an URL-encoded body.
func (f *Form) Serialize() string {
	f.page.mu.Lock()
	defer f.page.mu.Unlock()
	return encodePairs(f.successful())
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func encodePairs(pairs []pair) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeComponent(p.name))
		b.WriteByte('=')
		b.WriteString(encodeComponent(p.value))
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

// encodeComponent percent-encodes s leaving the characters
// A-Z a-z 0-9 - _ . ! ~ * ' ( ) as they are and writing spaces as '+'.
func encodeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}
