// Package textmatch extracts normalized word tokens from free-text profile
// attributes and tests two attributes for shared words.
//
// Inputs may be a plain string, an ordered list of values, or a mapping of
// attribute name to string or list. For mappings only the values carry
// tokens; keys are ignored.
package textmatch

import (
	"fmt"
	"iter"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// wordPattern matches runs of letters, digits and underscore. Everything
// else (spaces, punctuation, symbols) separates tokens.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// listSeparator joins list elements before tokenizing them.
const listSeparator = ", "

// Tokens returns a lazy sequence of lowercase word tokens found in v.
// Unsupported types and nil yield nothing.
func Tokens(v any) iter.Seq[string] {
	return func(yield func(string) bool) {
		switch val := v.(type) {
		case string:
			yieldWords(val, yield)
		case []string:
			yieldWords(strings.Join(val, listSeparator), yield)
		case []any:
			yieldWords(joinList(val), yield)
		case map[string]string:
			for _, s := range val {
				if !yieldWords(s, yield) {
					return
				}
			}
		case map[string][]string:
			for _, list := range val {
				if !yieldWords(strings.Join(list, listSeparator), yield) {
					return
				}
			}
		case map[string]any:
			for _, item := range val {
				var text string
				switch inner := item.(type) {
				case string:
					text = inner
				case []any:
					text = joinList(inner)
				case []string:
					text = strings.Join(inner, listSeparator)
				default:
					continue
				}
				if !yieldWords(text, yield) {
					return
				}
			}
		}
	}
}

// HasCommonTokens reports whether a and b share at least one token.
// Empty or unsupported input never overlaps.
func HasCommonTokens(a, b any) bool {
	seen := make(map[string]struct{})
	for tok := range Tokens(a) {
		seen[tok] = struct{}{}
	}
	if len(seen) == 0 {
		return false
	}
	for tok := range Tokens(b) {
		if _, ok := seen[tok]; ok {
			return true
		}
	}
	return false
}

// Decode parses a JSON-encoded attribute. It reports ok=false when raw is
// blank, is not valid JSON, or decodes to an empty or falsy value, so the
// caller can treat the attribute as absent.
func Decode(raw string) (any, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	if isEmpty(v) {
		return nil, false
	}
	return v, true
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case bool:
		return !val
	case float64:
		return val == 0
	}
	return false
}

func yieldWords(text string, yield func(string) bool) bool {
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if !yield(w) {
			return false
		}
	}
	return true
}

func joinList(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, render(item))
	}
	return strings.Join(parts, listSeparator)
}

// render converts a decoded JSON list element to text the way Python's
// str() prints it, so objects contribute their keys and values and floats
// keep their fractional part ("1.0").
func render(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return formatFloat(val)
	case bool:
		if val {
			return "True"
		}
		return "False"
	case nil:
		return "None"
	case []any:
		return "[" + joinList(val) + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+render(val[k]))
		}
		return "{" + strings.Join(parts, listSeparator) + "}"
	default:
		return fmt.Sprint(val)
	}
}

// formatFloat prints f in Python's repr form: positional notation with at
// least one fractional digit for exponents in [-4, 16), scientific
// otherwise.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
