package gnmiexport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
)

// Path elements of exported amplifier state:
// /amplifiers/amplifier[index=N]/state/<field>
const (
	rootElem      = "amplifiers"
	amplifierElem = "amplifier"
	indexKey      = "index"
	stateElem     = "state"
	wildcard      = "*"
)

// statePrefix returns the path of the state container of one amplifier.
func statePrefix(index int) *gnmi.Path {
	p, err := parsePath(fmt.Sprintf("/%s/%s[%s=%d]/%s", rootElem, amplifierElem, indexKey, index, stateElem))
	if err != nil {
		panic(err)
	}
	return p
}

// parsePath parses an xpath-like string into a gNMI path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return &gnmi.Path{}, nil
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		k, v, ok := strings.Cut(selector, "=")
		if !ok {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[k] = v
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString converts a gNMI Path to string representation
func pathToString(path *gnmi.Path) string {
	if path == nil || len(path.Elem) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[")
				b.WriteString(k)
				b.WriteString("=")
				b.WriteString(elem.Key[k])
				b.WriteString("]")
			}
		}
	}
	return b.String()
}

// join appends the elements of p to prefix.
func join(prefix, p *gnmi.Path) []*gnmi.PathElem {
	var elems []*gnmi.PathElem
	if prefix != nil {
		elems = append(elems, prefix.Elem...)
	}
	if p != nil {
		elems = append(elems, p.Elem...)
	}
	return elems
}

// matches reports whether a requested path selects the full path got. A
// requested path selects everything below it; "*" matches any name or key.
func matches(want, got []*gnmi.PathElem) bool {
	if len(want) > len(got) {
		return false
	}
	for i, w := range want {
		g := got[i]
		if w.Name != wildcard && w.Name != g.Name {
			return false
		}
		for k, v := range w.Key {
			if v == wildcard {
				continue
			}
			if g.Key[k] != v {
				return false
			}
		}
	}
	return true
}

// validate rejects requested paths that can never match exported state.
func validate(want []*gnmi.PathElem) error {
	schema := []string{rootElem, amplifierElem, stateElem}
	for i, w := range want {
		if i < len(schema) && w.Name != wildcard && w.Name != schema[i] {
			return fmt.Errorf("unknown path element %q", w.Name)
		}
		if i > len(schema) {
			return fmt.Errorf("path too deep")
		}
		if i == 1 {
			if v, ok := w.Key[indexKey]; ok && v != wildcard {
				if _, err := strconv.Atoi(v); err != nil {
					return fmt.Errorf("invalid amplifier index %q", v)
				}
			}
		}
	}
	return nil
}

// typedValueToString extracts string value from gNMI TypedValue
func typedValueToString(value *gnmi.TypedValue) string {
	if value == nil {
		return ""
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_IntVal:
		return strconv.FormatInt(v.IntVal, 10)
	case *gnmi.TypedValue_UintVal:
		return strconv.FormatUint(v.UintVal, 10)
	case *gnmi.TypedValue_BoolVal:
		return strconv.FormatBool(v.BoolVal)
	case *gnmi.TypedValue_DoubleVal:
		return strconv.FormatFloat(v.DoubleVal, 'f', -1, 64)
	case *gnmi.TypedValue_JsonVal:
		return string(v.JsonVal)
	case *gnmi.TypedValue_JsonIetfVal:
		return string(v.JsonIetfVal)
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal
	default:
		return ""
	}
}
