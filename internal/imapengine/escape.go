package imapengine

import (
	"fmt"
	"strings"
)

// Escape renders s as an atom when every byte is safe, as a quoted string
// when it has no CR, LF, NUL or 8-bit bytes, and as a literal otherwise.
func Escape(s string) string {
	return escape(s, false)
}

// Quote is Escape without the atom form.
func Quote(s string) string {
	return escape(s, true)
}

func escape(s string, forceQuotes bool) string {
	if s == "" {
		return `""`
	}
	if !forceQuotes && !strings.ContainsFunc(s, isAtomSpecial) {
		return s
	}
	if !strings.ContainsFunc(s, isLiteralOnly) {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	return fmt.Sprintf("{%d}\r\n%s", len(s), s)
}

// isAtomSpecial matches bytes that may not appear in an atom:
// CTL, SP, '"', '%', '(', ')', '*', '[', '\', ']', '{', '}' and 8-bit.
func isAtomSpecial(r rune) bool {
	switch {
	case r <= 0x20, r >= 0x80:
		return true
	}
	return strings.ContainsRune(`"%()*[\]{}`, r)
}

func isLiteralOnly(r rune) bool {
	return r == '\r' || r == '\n' || r == 0 || r >= 0x80
}
