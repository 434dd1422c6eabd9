package imapengine

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenKind classifies a response token.
type TokenKind int

const (
	TokenAtom TokenKind = iota + 1
	TokenQuoted
	TokenLiteral
	TokenList
	TokenNil
)

func (k TokenKind) String() string {
	switch k {
	case TokenAtom:
		return "atom"
	case TokenQuoted:
		return "quoted"
	case TokenLiteral:
		return "literal"
	case TokenList:
		return "list"
	case TokenNil:
		return "nil"
	default:
		return "invalid"
	}
}

// Token is one element of a server response.
type Token struct {
	Kind  TokenKind
	Value string
	List  []Token
}

// String renders t roughly as it appeared on the wire.
func (t Token) String() string {
	switch t.Kind {
	case TokenNil:
		return "NIL"
	case TokenQuoted:
		return strconv.Quote(t.Value)
	case TokenList:
		parts := make([]string, len(t.List))
		for i, el := range t.List {
			parts[i] = el.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return t.Value
	}
}

// Tokenize splits a response into typed tokens.
func Tokenize(s string) ([]Token, error) {
	tokens, _, err := TokenizeN(s, 0)
	return tokens, err
}

// TokenizeN reads at most n tokens (all when n <= 0) and returns the
// unread remainder.
func TokenizeN(s string, n int) ([]Token, string, error) {
	tokens, rest, err := tokenize(s, n, 0)
	if err != nil {
		return nil, s, err
	}
	return tokens, rest, nil
}

func tokenize(s string, n, depth int) ([]Token, string, error) {
	var result []Token

	for n <= 0 || len(result) < n {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			if depth > 0 {
				return nil, s, fmt.Errorf("%w: unterminated list", ErrProtocol)
			}
			break
		}

		switch s[0] {
		case '{':
			tok, rest, err := readLiteral(s)
			if err != nil {
				return nil, s, err
			}
			result = append(result, tok)
			s = rest

		case '"':
			tok, rest, err := readQuoted(s)
			if err != nil {
				return nil, s, err
			}
			result = append(result, tok)
			s = rest

		case '(':
			list, rest, err := tokenize(s[1:], 0, depth+1)
			if err != nil {
				return nil, s, err
			}
			result = append(result, Token{Kind: TokenList, List: list})
			s = rest

		case ')':
			if depth == 0 {
				return nil, s, fmt.Errorf("%w: unexpected ')'", ErrProtocol)
			}
			return result, s[1:], nil

		default:
			// Atoms stop at SP, CTL, ')' and DEL. Brackets stay inside so
			// BODY[HEADER] remains one token.
			end := strings.IndexFunc(s, func(r rune) bool {
				return r <= 0x20 || r == ')' || r == 0x7f
			})
			if end < 0 {
				end = len(s)
			}
			atom := s[:end]
			if strings.EqualFold(atom, "NIL") {
				result = append(result, Token{Kind: TokenNil})
			} else {
				result = append(result, Token{Kind: TokenAtom, Value: atom})
			}
			s = s[end:]
		}
	}

	return result, s, nil
}

// readLiteral parses "{N}\r\n" followed by N raw bytes.
func readLiteral(s string) (Token, string, error) {
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return Token{}, s, fmt.Errorf("%w: unterminated literal size", ErrProtocol)
	}
	size, err := strconv.Atoi(strings.TrimSuffix(s[1:end], "+"))
	if err != nil || size < 0 {
		return Token{}, s, fmt.Errorf("%w: bad literal size %q", ErrProtocol, s[1:end])
	}

	rest := s[end+1:]
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	default:
		return Token{}, s, fmt.Errorf("%w: literal without line break", ErrProtocol)
	}

	if len(rest) < size {
		return Token{}, s, fmt.Errorf("%w: literal wants %d bytes, have %d", ErrProtocol, size, len(rest))
	}
	return Token{Kind: TokenLiteral, Value: rest[:size]}, rest[size:], nil
}

// readQuoted parses a quoted string, undoing \" and \\ escapes.
func readQuoted(s string) (Token, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				i++
			}
			b.WriteByte(s[i])
		case '"':
			return Token{Kind: TokenQuoted, Value: b.String()}, s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return Token{}, s, fmt.Errorf("%w: unterminated quoted string", ErrProtocol)
}

// statusLine is a tagged or untagged status response: the tag ("*" when
// untagged), the status word, an optional bracketed response code with its
// arguments, and the human readable text.
type statusLine struct {
	Tag    string
	Status string
	Code   string
	Args   []Token
	Text   string
}

// parseStatusLine tokenizes a status response. It reports false when line
// does not carry one of OK, NO, BAD, BYE or PREAUTH after its tag.
func parseStatusLine(line string) (statusLine, bool) {
	tokens, rest, err := TokenizeN(strings.TrimSpace(line), 2)
	if err != nil || len(tokens) < 2 || tokens[0].Kind != TokenAtom || tokens[1].Kind != TokenAtom {
		return statusLine{}, false
	}

	st := statusLine{Tag: tokens[0].Value, Status: strings.ToUpper(tokens[1].Value)}
	switch st.Status {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
	default:
		return statusLine{}, false
	}

	rest = strings.TrimSpace(rest)
	if end := responseCodeEnd(rest); end > 0 {
		code, err := Tokenize(rest[1:end])
		if err == nil && len(code) > 0 && code[0].Kind == TokenAtom {
			st.Code = strings.ToUpper(code[0].Value)
			st.Args = code[1:]
			rest = strings.TrimSpace(rest[end+1:])
		}
	}
	st.Text = rest
	return st, true
}

// responseCodeEnd returns the index of the ']' closing the response code
// that s starts with, or -1. Brackets inside parenthesized lists do not
// count.
func responseCodeEnd(s string) int {
	if !strings.HasPrefix(s, "[") {
		return -1
	}
	depth := 0
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ']':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// untaggedData tokenizes the data of an untagged response named name, as in
// "* CAPABILITY IMAP4rev1 IDLE" or "* ID (...)".
func untaggedData(line, name string) ([]Token, bool) {
	rest, ok := cutPrefixFold(strings.TrimSpace(line), "* "+name+" ")
	if !ok {
		return nil, false
	}
	tokens, err := Tokenize(rest)
	if err != nil {
		return nil, false
	}
	return tokens, true
}

// isFatal reports whether line is an untagged BYE or BAD, which ends the
// command early.
func isFatal(line string) bool {
	st, ok := parseStatusLine(line)
	return ok && st.Tag == "*" && (st.Status == "BYE" || st.Status == "BAD")
}
