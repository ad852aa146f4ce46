package search

import (
	"strings"

	"intentengine/internal/ieerrors"
)

// Translate converts the search query language
// (AND/OR/NOT/NEAR/k operators, quoted phrases, trailing-* prefix
// wildcards) into an FTS5 MATCH expression, escaping bareword tokens
// so user input can never break out into arbitrary FTS5 syntax.
//
// FTS5 already implements AND/OR/NOT/NEAR and phrase/prefix queries
// natively, so translation is mostly a matter of quoting every
// bareword operand while leaving recognized operators and existing
// quoted phrases untouched.
func Translate(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ieerrors.New(ieerrors.KindInvalidArgument, "empty search query", nil)
	}

	tokens, err := tokenize(query)
	if err != nil {
		return "", err
	}

	var out []string
	for _, t := range tokens {
		out = append(out, translateToken(t))
	}
	return strings.Join(out, " "), nil
}

var operators = map[string]bool{
	"AND": true, "OR": true, "NOT": true,
}

func translateToken(t string) string {
	switch {
	case t == "(" || t == ")":
		return t
	case operators[strings.ToUpper(t)]:
		return strings.ToUpper(t)
	case strings.HasPrefix(t, "NEAR/") || strings.ToUpper(t) == "NEAR":
		return strings.ToUpper(t)
	case strings.HasPrefix(t, `"`) && strings.HasSuffix(t, `"`):
		// Already a quoted phrase; re-escape the interior only. A *
		// after the closing quote is not attached to the phrase:
		// tokenize emits it as a separate token.
		return quote(strings.Trim(t, `"`))
	case strings.HasSuffix(t, "*"):
		return quote(strings.TrimSuffix(t, "*")) + "*"
	default:
		return quote(t)
	}
}

// quote wraps s as an FTS5 string literal, doubling embedded quotes
// per SQLite's string-escaping rule so no user input can terminate
// the literal early.
func quote(s string) string {
	escaped := strings.ReplaceAll(s, `"`, `""`)
	return `"` + escaped + `"`
}

// tokenize splits query into words, quoted phrases, parentheses, and
// NEAR/k operators, respecting quote boundaries.
func tokenize(query string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"':
			cur.WriteRune(r)
			if inQuote {
				flush()
			}
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, ieerrors.New(ieerrors.KindInvalidArgument, "unterminated quoted phrase", nil)
	}
	flush()
	return tokens, nil
}
