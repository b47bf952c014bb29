package botflow

import (
	"regexp"
	"strconv"
	"strings"
)

// Value is a tagged scalar-or-map used by template substitution and
// dotted-path lookup. A missing path is distinct from an empty string so
// that defaults apply only when the path truly does not resolve.
type Value struct {
	kind valueKind
	str  string
	num  float64
	m    map[string]Value
}

type valueKind int

const (
	kindMissing valueKind = iota
	kindString
	kindNumber
	kindMap
)

// Missing is the absent-path result.
var Missing = Value{kind: kindMissing}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: kindString, str: s} }

// NumberValue wraps a number.
func NumberValue(f float64) Value { return Value{kind: kindNumber, num: f} }

// MapValue wraps a nested record.
func MapValue(m map[string]Value) Value { return Value{kind: kindMap, m: m} }

// IsMissing reports whether the value is the absent-path result.
func (v Value) IsMissing() bool { return v.kind == kindMissing }

// Text renders the value for substitution into a message body.
func (v Value) Text() string {
	switch v.kind {
	case kindString:
		return v.str
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return ""
	}
}

// Scope is the root record templates resolve against: bot variables plus
// counterparty/debtor fields, nested under their prefixes.
type Scope map[string]Value

// Lookup resolves a dotted path against the scope. It returns Missing
// when any path segment does not resolve or descends into a non-map.
func (s Scope) Lookup(path string) Value {
	segments := strings.Split(path, ".")
	current, ok := s[segments[0]]
	if !ok {
		return Missing
	}
	for _, segment := range segments[1:] {
		if current.kind != kindMap {
			return Missing
		}
		current, ok = current.m[segment]
		if !ok {
			return Missing
		}
	}
	return current
}

// Set writes a top-level scope entry.
func (s Scope) Set(key string, value Value) {
	s[key] = value
}

// tokenPattern matches {{path}} and {{path|default}} tokens.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.]*)\s*(?:\|([^}]*))?\}\}`)

// Render substitutes every {{path}} token from the scope. A missing path
// substitutes the token's declared default, or the empty string when none
// is declared. Rendering is pure: the same scope and template always
// produce the same output.
func Render(template string, scope Scope) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		groups := tokenPattern.FindStringSubmatch(token)
		value := scope.Lookup(groups[1])
		if value.IsMissing() {
			return strings.TrimSpace(groups[2])
		}
		return value.Text()
	})
}
