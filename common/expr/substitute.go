package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute replaces ${name} placeholders with expression literals: strings
// are quoted, other values use their canonical rendering. Dotted names
// resolve through nested maps. Unresolved placeholders render as null.
func Substitute(template string, scope map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := resolvePath(name, scope)
		if !ok {
			return "null"
		}
		return literal(v)
	})
}

// SubstituteText replaces ${name} placeholders with plain string forms, for
// human-facing text such as mail subjects and correlation keys. Unresolved
// placeholders are left as-is.
func SubstituteText(template string, scope map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := resolvePath(name, scope)
		if !ok {
			return m
		}
		return plain(v)
	})
}

func resolvePath(path string, scope map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = scope
	for _, p := range parts {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[any]any:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}

func plain(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// IsTruthyString reports whether a resolved condition string should count as
// true when expression evaluation is unavailable.
func IsTruthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "approved":
		return true
	}
	return false
}
