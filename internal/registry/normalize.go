package registry

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Normalize case-folds text, strips punctuation and collapses whitespace
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

const idPrefix = "can_"

func canonicalID(seq int64) string {
	return fmt.Sprintf("%s%06d", idPrefix, seq)
}

// idSeq extracts the sequence number of a canonical id, -1 if malformed
func idSeq(id string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, idPrefix), 10, 64)
	if err != nil || !strings.HasPrefix(id, idPrefix) {
		return -1
	}
	return n
}

// IDLess orders canonical ids by creation sequence. Ids without a sequence
// sort first, then by string.
func IDLess(a, b string) bool {
	sa, sb := idSeq(a), idSeq(b)
	if sa != sb {
		return sa < sb
	}
	return a < b
}
