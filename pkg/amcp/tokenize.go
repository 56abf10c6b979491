package amcp

import "strings"

// Tokenize splits one protocol line into tokens.
//
// Unquoted spaces and tabs separate tokens. A double quote toggles quoting
// and ends the current token; a closing quote emits its token even when it
// is empty, so "" is an empty parameter. A backslash escapes the next
// character: \\ gives a backslash, \" a quote and \n a newline. Any other
// escaped character is dropped. An unterminated quote runs to the end of
// the line.
func Tokenize(line string) []string {
	var (
		tokens  []string
		current strings.Builder
		inQuote bool
		escape  bool
	)

	for _, r := range line {
		if escape {
			switch r {
			case '\\':
				current.WriteRune('\\')
			case '"':
				current.WriteRune('"')
			case 'n':
				current.WriteRune('\n')
			}
			escape = false
			continue
		}

		switch {
		case r == '\\':
			escape = true
		case (r == ' ' || r == '\t') && !inQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		case r == '"':
			inQuote = !inQuote
			if current.Len() > 0 || !inQuote {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// JoinTokens is the inverse of Tokenize: it renders tokens as a line that
// tokenizes back to the same slice.
func JoinTokens(tokens []string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = quoteToken(tok)
	}
	return strings.Join(parts, " ")
}

func quoteToken(tok string) string {
	if tok != "" && !strings.ContainsAny(tok, " \t\"\\\n") {
		return tok
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range tok {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
