package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Report is one status message for a single amplifier, as pushed to
// dashboards over the websocket: {"index": N, "report": {...}}.
type Report struct {
	Index  int    `json:"index"`
	Fields Fields `json:"report"`
}

// NewReport builds a report from fields in the given order.
func NewReport(index int, fields ...Field) Report {
	return Report{Index: index, Fields: fields}
}

// Number returns the named field value when it is present and numeric.
func (r Report) Number(name string) (float64, bool) {
	return r.Fields.Number(name)
}

// ParseReport decodes one websocket payload.
func ParseReport(data []byte) (Report, error) {
	var raw struct {
		Index  json.RawMessage `json:"index"`
		Fields Fields          `json:"report"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if raw.Index == nil {
		return Report{}, fmt.Errorf("decode report: missing index")
	}
	index, err := parseIndex(raw.Index)
	if err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return Report{Index: index, Fields: raw.Fields}, nil
}

// parseIndex accepts any JSON number with an integral value, so 2, 2.0
// and 2e0 all address the same amplifier. Strings are rejected.
func parseIndex(raw json.RawMessage) (int, error) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || !isNumberStart(s[0]) {
		return 0, fmt.Errorf("index %s is not a number", s)
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("index %s is not an integer", s)
	}
	return int(f), nil
}

// Field is a single named value of a report. The raw JSON is kept so that
// non-numeric values survive decoding and can be displayed as received.
type Field struct {
	Name string
	Raw  json.RawMessage
}

// Number creates a numeric field.
func Number(name string, v float64) Field {
	return Field{Name: name, Raw: json.RawMessage(strconv.FormatFloat(v, 'f', -1, 64))}
}

// Float returns the field value when it is a JSON number. Numbers beyond
// the float64 range come back as infinities.
func (f Field) Float() (float64, bool) {
	raw := bytes.TrimSpace(f.Raw)
	if len(raw) == 0 || !isNumberStart(raw[0]) {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil && !(errors.Is(err, strconv.ErrRange) && math.IsInf(v, 0)) {
		return 0, false
	}
	return v, true
}

// Text returns the value the way a dashboard displays it: numbers in
// shortest decimal form, strings unquoted, null as the empty string.
func (f Field) Text() string {
	raw := bytes.TrimSpace(f.Raw)
	if len(raw) == 0 {
		return ""
	}
	if v, ok := f.Float(); ok {
		switch {
		case math.IsInf(v, 1):
			return "Infinity"
		case math.IsInf(v, -1):
			return "-Infinity"
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case 'n':
		return ""
	}
	return string(raw)
}

func isNumberStart(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9')
}

// Fields is a JSON object whose key order is preserved.
type Fields []Field

// Get returns the named field.
func (fs Fields) Get(name string) (Field, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Number returns the named field value when it is present and numeric.
func (fs Fields) Number(name string) (float64, bool) {
	f, ok := fs.Get(name)
	if !ok {
		return 0, false
	}
	return f.Float()
}

// Names lists the field keys in order.
func (fs Fields) Names() []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}

// UnmarshalJSON decodes an object keeping its key order. A repeated key
// keeps its first position and its last value.
func (fs *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*fs = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("report fields: expected object, got %v", tok)
	}

	out := Fields{}
	pos := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("report fields: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("report fields: value of %q: %w", key, err)
		}
		if i, dup := pos[key]; dup {
			out[i].Raw = raw
			continue
		}
		pos[key] = len(out)
		out = append(out, Field{Name: key, Raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*fs = out
	return nil
}

// MarshalJSON encodes the fields as an object in order.
func (fs Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(bytes.TrimSpace(f.Raw)) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(f.Raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
