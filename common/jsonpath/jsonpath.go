package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Mapper extracts and assigns values through dotted/bracket paths.
// It backs the data-flow mapping between workflow stages.
type Mapper struct {
	log Logger
}

// Logger is the minimal logging surface the mapper needs
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
}

// New creates a mapper
func New(log Logger) *Mapper {
	return &Mapper{log: log}
}

type segmentKind int

const (
	segKey segmentKind = iota
	segIndex
	segFilter
)

type segment struct {
	kind  segmentKind
	key   string
	index int
	// filter fields for items[?(@.field=='value')]
	field string
	value string
}

// Get resolves a value by path. Missing or nil intermediates yield
// (nil, false); resolution never fails with an error.
func Get(obj any, path string) (any, bool) {
	segs, err := parse(path)
	if err != nil {
		return nil, false
	}

	current := obj
	for _, s := range segs {
		if current == nil {
			return nil, false
		}
		switch s.kind {
		case segKey:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[s.key]
			if !ok {
				return nil, false
			}
			current = v
		case segIndex:
			arr, ok := current.([]any)
			if !ok || s.index < 0 || s.index >= len(arr) {
				return nil, false
			}
			current = arr[s.index]
		case segFilter:
			arr, ok := current.([]any)
			if !ok {
				return nil, false
			}
			found := false
			for _, item := range arr {
				if m, ok := item.(map[string]any); ok {
					if fmt.Sprintf("%v", m[s.field]) == s.value {
						current = item
						found = true
						break
					}
				}
			}
			if !found {
				return nil, false
			}
		}
	}
	return current, true
}

// Set returns a deep copy of obj with the value assigned at path.
// Intermediate objects are auto-created; an index against a non-array
// turns that node into an array.
func Set(obj map[string]any, path string, value any) (map[string]any, error) {
	segs, err := parse(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	for _, s := range segs {
		if s.kind == segFilter {
			return nil, fmt.Errorf("filter segments are read-only: %s", path)
		}
	}

	copied, _ := deepCopy(obj).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}

	var assign func(node any, segs []segment) any
	assign = func(node any, segs []segment) any {
		s := segs[0]
		last := len(segs) == 1

		switch s.kind {
		case segKey:
			m, ok := node.(map[string]any)
			if !ok {
				m = map[string]any{}
			}
			if last {
				m[s.key] = value
			} else {
				m[s.key] = assign(m[s.key], segs[1:])
			}
			return m
		case segIndex:
			arr, ok := node.([]any)
			if !ok {
				arr = []any{}
			}
			for len(arr) <= s.index {
				arr = append(arr, nil)
			}
			if last {
				arr[s.index] = value
			} else {
				arr[s.index] = assign(arr[s.index], segs[1:])
			}
			return arr
		}
		return node
	}

	result := assign(copied, segs)
	m, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("path %s does not start at an object", path)
	}
	return m, nil
}

// Validate rejects paths with braces, unbalanced brackets, or a closing
// bracket without a matching opener.
func Validate(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsAny(path, "{}") {
		return fmt.Errorf("path contains braces: %s", path)
	}
	depth := 0
	for _, r := range path {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("unmatched closing bracket in path: %s", path)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced brackets in path: %s", path)
	}
	if _, err := parse(path); err != nil {
		return err
	}
	return nil
}

// ApplyOutputMapping extracts mapping values from source. Entries with an
// invalid path map to nil and log a warning.
func (m *Mapper) ApplyOutputMapping(source map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for key, path := range mapping {
		if err := Validate(path); err != nil {
			m.log.Warn("invalid output mapping path", "key", key, "path", path, "error", err)
			out[key] = nil
			continue
		}
		v, _ := Get(source, path)
		out[key] = v
	}
	return out
}

// parse tokenizes a path into segments
func parse(path string) ([]segment, error) {
	p := strings.TrimSpace(path)
	// Strip the root token
	switch {
	case p == "$" || p == "root":
		return nil, nil
	case strings.HasPrefix(p, "$."):
		p = p[2:]
	case strings.HasPrefix(p, "root."):
		p = p[5:]
	}
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []segment
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unbalanced brackets in path: %s", path)
			}
			inner := p[i+1 : i+end]
			seg, err := parseBracket(inner, path)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i += end + 1
		default:
			j := i
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			segs = append(segs, segment{kind: segKey, key: p[i:j]})
			i = j
		}
	}
	return segs, nil
}

func parseBracket(inner, path string) (segment, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return segment{}, fmt.Errorf("empty bracket in path: %s", path)
	}

	// Equality filter: ?(@.field=='value')
	if strings.HasPrefix(inner, "?(") {
		body := strings.TrimSuffix(strings.TrimPrefix(inner, "?("), ")")
		body = strings.TrimPrefix(body, "@.")
		parts := strings.SplitN(body, "==", 2)
		if len(parts) != 2 {
			return segment{}, fmt.Errorf("unsupported filter in path: %s", path)
		}
		value := strings.Trim(strings.TrimSpace(parts[1]), "'\"")
		return segment{kind: segFilter, field: strings.TrimSpace(parts[0]), value: value}, nil
	}

	if n, err := strconv.Atoi(inner); err == nil {
		if n < 0 {
			return segment{}, fmt.Errorf("negative index in path: %s", path)
		}
		return segment{kind: segIndex, index: n}, nil
	}

	// Bracketed property: user[fullName] or user['fullName']
	key := strings.Trim(inner, "'\"")
	return segment{kind: segKey, key: key}, nil
}

// deepCopy clones JSON-shaped values
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
