package dashboard

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Validity states reported by constraint validation.
const (
	ValueMissing    = "valueMissing"
	TypeMismatch    = "typeMismatch"
	BadInput        = "badInput"
	RangeUnderflow  = "rangeUnderflow"
	RangeOverflow   = "rangeOverflow"
	StepMismatch    = "stepMismatch"
	TooShort        = "tooShort"
	TooLong         = "tooLong"
	PatternMismatch = "patternMismatch"
)

// ValidityError describes the first control of a form failing its
// constraints.
type ValidityError struct {
	Control string
	State   string
	Message string
}

func (e *ValidityError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Control, e.Message, e.State)
}

var emailPattern = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Validate checks every control of the form against its constraints, in
// document order, and returns the first failure as a *ValidityError.
func (f *Form) Validate() error {
	f.page.mu.Lock()
	defer f.page.mu.Unlock()
	return f.validate()
}

func (f *Form) validate() error {
	controls := f.controls()
	for _, n := range controls {
		if !candidate(n) {
			continue
		}
		if err := checkControl(n, controls); err != nil {
			return err
		}
	}
	return nil
}

// candidate reports whether a control takes part in constraint validation.
func candidate(n *html.Node) bool {
	if isDisabled(n) {
		return false
	}
	switch n.DataAtom {
	case atom.Input:
		switch inputType(n) {
		case "hidden", "submit", "button", "image", "reset":
			return false
		}
		return !hasAttr(n, "readonly")
	case atom.Textarea:
		return !hasAttr(n, "readonly")
	case atom.Select:
		return true
	}
	return false
}

func controlName(n *html.Node) string {
	if name, ok := attr(n, "name"); ok && name != "" {
		return name
	}
	if id, ok := attr(n, "id"); ok {
		return "#" + id
	}
	return n.Data
}

func invalid(n *html.Node, state, format string, args ...any) *ValidityError {
	return &ValidityError{Control: controlName(n), State: state, Message: fmt.Sprintf(format, args...)}
}

func checkControl(n *html.Node, all []*html.Node) error {
	required := hasAttr(n, "required")

	switch {
	case n.DataAtom == atom.Select:
		if required {
			vals := selectedValues(n)
			if len(vals) == 0 || (len(vals) == 1 && vals[0] == "") {
				return invalid(n, ValueMissing, "please select an item in the list")
			}
		}
		return nil
	case isCheckable(n):
		if !required {
			return nil
		}
		if inputType(n) == "checkbox" {
			if !hasAttr(n, "checked") {
				return invalid(n, ValueMissing, "please check this box")
			}
			return nil
		}
		name, _ := attr(n, "name")
		for _, other := range all {
			if isCheckable(other) && inputType(other) == "radio" && hasAttr(other, "checked") {
				if v, _ := attr(other, "name"); v == name {
					return nil
				}
			}
		}
		return invalid(n, ValueMissing, "please select one of these options")
	}

	value := controlValue(n)
	if value == "" {
		if required {
			return invalid(n, ValueMissing, "please fill in this field")
		}
		return nil
	}

	if n.DataAtom == atom.Input {
		switch inputType(n) {
		case "number", "range":
			if err := checkNumber(n, value); err != nil {
				return err
			}
		case "email":
			if !emailPattern.MatchString(value) {
				return invalid(n, TypeMismatch, "please enter an email address")
			}
		case "url":
			if u, err := url.Parse(value); err != nil || u.Scheme == "" {
				return invalid(n, TypeMismatch, "please enter a URL")
			}
		}
	}

	length := utf8.RuneCountInString(value)
	if v, ok := attr(n, "minlength"); ok {
		if limit, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && limit >= 0 && length < limit {
			return invalid(n, TooShort, "please use at least %d characters", limit)
		}
	}
	if v, ok := attr(n, "maxlength"); ok {
		if limit, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && limit >= 0 && length > limit {
			return invalid(n, TooLong, "please use at most %d characters", limit)
		}
	}
	if p, ok := attr(n, "pattern"); ok && n.DataAtom == atom.Input {
		if re, err := regexp.Compile("^(?:" + p + ")$"); err == nil && !re.MatchString(value) {
			return invalid(n, PatternMismatch, "please match the requested format")
		}
	}
	return nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "xXpP_") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func checkNumber(n *html.Node, value string) error {
	v, ok := parseNumber(value)
	if !ok {
		return invalid(n, BadInput, "please enter a number")
	}
	minAttr, _ := attr(n, "min")
	lo, hasMin := parseNumber(minAttr)
	maxAttr, _ := attr(n, "max")
	hi, hasMax := parseNumber(maxAttr)
	if hasMin && v < lo {
		return invalid(n, RangeUnderflow, "value must be greater than or equal to %s", minAttr)
	}
	if hasMax && v > hi {
		return invalid(n, RangeOverflow, "value must be less than or equal to %s", maxAttr)
	}

	step := 1.0
	if s, ok := attr(n, "step"); ok {
		if strings.EqualFold(strings.TrimSpace(s), "any") {
			return nil
		}
		if parsed, ok := parseNumber(s); ok && parsed > 0 {
			step = parsed
		}
	}
	base := 0.0
	if hasMin {
		base = lo
	}
	q := (v - base) / step
	if math.Abs(q-math.Round(q)) > 1e-9 {
		return invalid(n, StepMismatch, "please enter a valid value; step is %s", strconv.FormatFloat(step, 'f', -1, 64))
	}
	return nil
}
