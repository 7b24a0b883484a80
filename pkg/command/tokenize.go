package command

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	errUnterminatedQuote = errors.New("unterminated quote")
	errTrailingEscape    = errors.New("trailing backslash")
)

// Tokenize splits s into arguments. Whitespace separates tokens; single
// quotes keep their content literally; double quotes allow \" and \\
// escapes; outside quotes a backslash escapes the next character. Bytes
// that are not valid UTF-8 are copied through unchanged.
func Tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
	)

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			cur.WriteByte(s[i])
			inToken = true
			i++

		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
			i += size

		case r == '\\':
			if i+1 >= len(s) {
				return nil, errTrailingEscape
			}
			_, n := utf8.DecodeRuneInString(s[i+1:])
			cur.WriteString(s[i+1 : i+1+n])
			inToken = true
			i += 1 + n

		case r == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, errUnterminatedQuote
			}
			cur.WriteString(s[i+1 : i+1+end])
			inToken = true
			i += end + 2

		case r == '"':
			// Multi-byte sequences never contain '"' or '\\', so the quoted
			// part can be copied byte by byte.
			j := i + 1
			closed := false
			for j < len(s) {
				c := s[j]
				if c == '"' {
					closed = true
					break
				}
				if c == '\\' && j+1 < len(s) && (s[j+1] == '"' || s[j+1] == '\\') {
					j++
					c = s[j]
				}
				cur.WriteByte(c)
				j++
			}
			if !closed {
				return nil, errUnterminatedQuote
			}
			inToken = true
			i = j + 1

		default:
			cur.WriteString(s[i : i+size])
			inToken = true
			i += size
		}
	}

	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// Quote renders arg so that Tokenize reads it back as a single token.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !needsQuoting(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with spaces. The result is also
// valid POSIX shell input.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

func needsQuoting(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			return true
		}
		switch r {
		case '\'', '"', '\\', '$', '`', '|', '&', ';', '<', '>', '(', ')', '*', '?', '[', ']', '#', '~', '!', '{', '}':
			return true
		}
	}
	return false
}
