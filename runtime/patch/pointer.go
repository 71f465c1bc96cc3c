package patch

import (
	"strconv"
	"strings"
)

// Escape encodes a single reference token: "~" becomes "~0" and "/" becomes
// "~1".
func Escape(token string) string {
	if !strings.ContainsAny(token, "~/") {
		return token
	}
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

// Unescape decodes a single reference token: "~1" becomes "/" and "~0"
// becomes "~", in that order.
func Unescape(token string) string {
	if !strings.Contains(token, "~") {
		return token
	}
	return strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
}

// Join builds a pointer from unescaped tokens.
func Join(tokens ...string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(Escape(t))
	}
	return b.String()
}

// Split returns the unescaped tokens of pointer. The root pointer has no
// tokens.
func Split(pointer string) []string {
	raw := rawTokens(pointer)
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = Unescape(t)
	}
	return tokens
}

// rawTokens splits pointer on "/" and drops the leading segment, so that
// "/a/b" yields ["a", "b"].
func rawTokens(pointer string) []string {
	if pointer == "" {
		return nil
	}
	parts := strings.Split(pointer, "/")
	return parts[1:]
}

// Get resolves pointer against doc.
func Get(doc any, pointer string) (any, error) {
	if pointer != "" && !strings.HasPrefix(pointer, "/") {
		return nil, newError(CodePathInvalid, "invalid pointer "+pointer, 0, Operation{Op: "_get", Path: pointer}, doc)
	}
	node := doc
	for _, tok := range Split(pointer) {
		switch c := node.(type) {
		case map[string]any:
			v, ok := c[tok]
			if !ok {
				return nil, newError(CodePathUnresolvable, "cannot resolve "+pointer, 0, Operation{Op: "_get", Path: pointer}, doc)
			}
			node = v
		case []any:
			i, ok := arrayIndex(tok)
			if !ok || i >= len(c) {
				return nil, newError(CodePathUnresolvable, "cannot resolve "+pointer, 0, Operation{Op: "_get", Path: pointer}, doc)
			}
			node = c[i]
		default:
			return nil, newError(CodePathUnresolvable, "cannot resolve "+pointer, 0, Operation{Op: "_get", Path: pointer}, doc)
		}
	}
	return node, nil
}

// arrayIndex parses a non-negative decimal array index.
func arrayIndex(tok string) (int, bool) {
	if tok == "" {
		return 0, false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return n, true
}
