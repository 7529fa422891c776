package catalog

import (
	"strings"

	"github.com/lib/pq"
)

// quoting tracks whether a position of SQL text lies inside a string
// literal or a quoted identifier. Dollar quoting is not recognized.
type quoting struct {
	quote  byte
	escape bool
	skip   bool
}

func (q *quoting) inside() bool {
	return q.quote != 0
}

// feed advances the state over s
func (q *quoting) feed(s string) {
	for i := 0; i < len(s); i++ {
		q.step(s, i)
	}
}

// step advances the state over s[i]
func (q *quoting) step(s string, i int) {
	c := s[i]
	switch {
	case q.skip:
		q.skip = false
	case q.quote == 0:
		if c != '\'' && c != '"' {
			return
		}
		q.quote = c
		if i > 0 && s[i-1] == c {
			// doubled quote, the literal goes on as before
			return
		}
		q.escape = c == '\'' && i > 0 && (s[i-1] == 'E' || s[i-1] == 'e') && (i == 1 || !isIdentByte(s[i-2]))
	case q.escape && c == '\\':
		q.skip = true
	case c == q.quote:
		q.quote = 0
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// stripSchemaRefs removes qualification by schema from every identifier of
// s, in both the bare and the quoted spelling. Literals are left alone.
func stripSchemaRefs(s, schema string) string {
	if schema == "" {
		return s
	}
	prefixes := []string{pq.QuoteIdentifier(schema) + ".", schema + "."}

	var b strings.Builder
	var q quoting
	for i := 0; i < len(s); {
		if !q.inside() && (i == 0 || (!isIdentByte(s[i-1]) && s[i-1] != '.' && s[i-1] != '"')) {
			if p, ok := hasAnyPrefix(s[i:], prefixes); ok {
				i += len(p)
				continue
			}
		}
		q.step(s, i)
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func hasAnyPrefix(s string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return p, true
		}
	}
	return "", false
}
