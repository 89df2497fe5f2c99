package executor

import (
	"errors"
	"strings"
)

// Tokenize splits a command line into argv, honoring single and double
// quotes. Escape characters are not interpreted; a backslash is a literal
// byte. Unterminated quotes are an error.
func Tokenize(command string) ([]string, error) {
	var (
		out     []string
		current strings.Builder
		quote   rune
		inTok   bool
	)
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t' || r == '\n':
			if inTok {
				out = append(out, current.String())
				current.Reset()
				inTok = false
			}
		default:
			current.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote in command")
	}
	if inTok {
		out = append(out, current.String())
	}
	return out, nil
}
