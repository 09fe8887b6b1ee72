package evaluator

import (
	"errors"
	"fmt"
)

// Amplifier safe operating limits.
const (
	InputMin = 0
	InputMax = 8
	// ReflectedMargin is how far reflected power must stay below the forward
	// output power of the same report.
	ReflectedMargin = 15
	TemperatureMin  = 0
	TemperatureMax  = 80
)

// ErrMissingDependency reports that a rule needs another field of the same
// report that is absent or not numeric.
var ErrMissingDependency = errors.New("missing dependency")

// Values gives rules access to the other fields of the report being checked.
type Values interface {
	Number(name string) (float64, bool)
}

// Rule decides whether a field value is within its safe operating range.
type Rule func(value float64, report Values) (bool, error)

var rules = map[string]Rule{
	"input": func(v float64, _ Values) (bool, error) {
		return InputMin <= v && v <= InputMax, nil
	},
	"reflected": func(v float64, report Values) (bool, error) {
		output, ok := report.Number("output")
		if !ok {
			return false, fmt.Errorf("reflected needs output: %w", ErrMissingDependency)
		}
		return v <= output-ReflectedMargin, nil
	},
	"temperature": func(v float64, _ Values) (bool, error) {
		return TemperatureMin <= v && v <= TemperatureMax, nil
	},
}

// HasRule reports whether the field has a range rule. Fields without one are
// always valid.
func HasRule(field string) bool {
	_, ok := rules[field]
	return ok
}

// Validate checks a field value against its rule using only the current
// report. Unlisted fields are always valid.
func Validate(field string, value float64, report Values) (bool, error) {
	rule, ok := rules[field]
	if !ok {
		return true, nil
	}
	if report == nil {
		report = noValues{}
	}
	return rule(value, report)
}

type noValues struct{}

func (noValues) Number(string) (float64, bool) { return 0, false }
