// Package repair turns loosely formatted model output into a JSON object.
//
// Models wrap JSON in markdown, add prose around it, cut it short or write it
// JavaScript style. Parse applies a fixed list of passes, each building on
// the previous one, and returns the first variant that decodes to an object.
package repair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// ErrParseFailure means no pass produced a JSON object.
var ErrParseFailure = errors.New("response is not a valid JSON object")

// Pass rewrites candidate JSON text.
type Pass struct {
	Name  string
	Apply func(string) string
}

// Passes in the order they are applied. Each receives the output of the
// previous one.
var Passes = []Pass{
	{Name: "strip_fences", Apply: StripFences},
	{Name: "extract_braces", Apply: ExtractBraces},
	{Name: "balance_braces", Apply: BalanceBraces},
	{Name: "trailing_commas", Apply: RemoveTrailingCommas},
	{Name: "bare_keys", Apply: QuoteBareKeys},
	{Name: "single_quotes", Apply: NormalizeQuotes},
}

// Validator checks a decoded object against a use case's schema.
type Validator func(map[string]any) error

// Parse decodes text into a JSON object, repairing it if needed, and checks
// it with the validators. Returns the object and the name of the pass that
// made it parse ("" when the raw text was already valid).
func Parse(text string, validators ...Validator) (map[string]any, string, error) {
	candidate := text
	object, err := decodeObject(candidate)
	passName := ""
	for _, pass := range Passes {
		if err == nil {
			break
		}
		candidate = pass.Apply(candidate)
		passName = pass.Name
		object, err = decodeObject(candidate)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	for _, validate := range validators {
		if err := validate(object); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
	}
	return object, passName, nil
}

func decodeObject(text string) (map[string]any, error) {
	var object map[string]any
	if err := json.Unmarshal([]byte(text), &object); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, fmt.Errorf("not an object")
	}
	return object, nil
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")

// StripFences returns the content of the first markdown code fence, or the
// text with stray fence markers removed.
func StripFences(text string) string {
	if match := fencePattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// ExtractBraces returns the object starting at the first '{', up to its
// matching '}' outside string literals. An object that never closes keeps
// everything after the opening brace.
func ExtractBraces(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	depth := 0
	end := -1
	scan(text[start:], func(index int, r rune, inString bool) {
		if end >= 0 || inString {
			return
		}
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = start + index
			}
		}
	})
	if end < 0 {
		return text[start:]
	}
	return text[start : end+1]
}

// BalanceBraces appends the '}' characters needed to close every open brace
// outside string literals.
func BalanceBraces(text string) string {
	depth := 0
	scan(text, func(_ int, r rune, inString bool) {
		if inString {
			return
		}
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		}
	})
	if depth <= 0 {
		return text
	}
	return text + strings.Repeat("}", depth)
}

// RemoveTrailingCommas drops commas directly followed by '}' or ']'.
func RemoveTrailingCommas(text string) string {
	var out strings.Builder
	scan(text, func(index int, r rune, inString bool) {
		if !inString && r == ',' {
			rest := strings.TrimLeft(text[index+1:], " \t\r\n")
			if strings.HasPrefix(rest, "}") || strings.HasPrefix(rest, "]") {
				return
			}
		}
		out.WriteRune(r)
	})
	return out.String()
}

var bareKeyPattern = regexp.MustCompile(`^([{,]\s*)([A-Za-z_$][A-Za-z0-9_$-]*)(\s*:)`)

// QuoteBareKeys wraps unquoted object keys in double quotes.
func QuoteBareKeys(text string) string {
	var out strings.Builder
	skipUntil := -1
	scan(text, func(index int, r rune, inString bool) {
		if index < skipUntil {
			return
		}
		if !inString && (r == '{' || r == ',') {
			if match := bareKeyPattern.FindStringSubmatchIndex(text[index:]); match != nil {
				prefix := text[index+match[2] : index+match[3]]
				key := text[index+match[4] : index+match[5]]
				colon := text[index+match[6] : index+match[7]]
				out.WriteString(prefix + `"` + key + `"` + colon)
				skipUntil = index + match[1]
				return
			}
		}
		out.WriteRune(r)
	})
	return out.String()
}

// NormalizeQuotes turns typographic double quotes into ASCII ones and
// single-quoted strings into double-quoted strings. Apostrophes inside
// double-quoted strings are left alone.
func NormalizeQuotes(text string) string {
	text = strings.NewReplacer("“", `"`, "”", `"`).Replace(text)

	var out strings.Builder
	inDouble := false
	inSingle := false
	escaped := false
	for _, r := range text {
		switch {
		case escaped:
			escaped = false
			if inSingle && r == '\'' {
				out.WriteRune('\'')
				continue
			}
			out.WriteRune('\\')
			out.WriteRune(r)
			continue
		case r == '\\':
			escaped = true
			continue
		case inDouble:
			if r == '"' {
				inDouble = false
			}
		case inSingle:
			if r == '\'' {
				inSingle = false
				r = '"'
			} else if r == '"' {
				out.WriteString(`\"`)
				continue
			}
		case r == '"':
			inDouble = true
		case r == '\'':
			inSingle = true
			r = '"'
		}
		out.WriteRune(r)
	}
	if escaped {
		out.WriteRune('\\')
	}
	return out.String()
}

// Calls visit for every rune with its byte index and whether it is part of a
// string literal, quotes included. Single-quoted literals count too: outside
// a string a single quote can only open one.
func scan(text string, visit func(index int, r rune, inString bool)) {
	quote := rune(0)
	escaped := false
	for index, r := range text {
		switch {
		case escaped:
			escaped = false
			visit(index, r, true)
		case quote != 0 && r == '\\':
			escaped = true
			visit(index, r, true)
		case quote != 0:
			visit(index, r, true)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			visit(index, r, true)
			quote = r
		default:
			visit(index, r, false)
		}
	}
}

// RequireNumber checks that the key holds a number.
func RequireNumber(key string) Validator {
	return func(object map[string]any) error {
		value, ok := object[key]
		if !ok {
			return fmt.Errorf("missing %q", key)
		}
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%q is not a number", key)
		}
		return nil
	}
}

// RequireString checks that the key holds a non-empty string.
func RequireString(key string) Validator {
	return func(object map[string]any) error {
		value, ok := object[key]
		if !ok {
			return fmt.Errorf("missing %q", key)
		}
		text, ok := value.(string)
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("%q is not a non-empty string", key)
		}
		return nil
	}
}
