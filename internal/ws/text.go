package ws

import (
	"strings"
	"unicode/utf8"
)

// decodeUTF8 decodes carry followed by data as UTF-8 text. Every byte that
// cannot start a valid sequence becomes U+FFFD. A valid but incomplete
// sequence at the very end is returned as rest, to be prepended to the next
// chunk.
func decodeUTF8(carry, data []byte) (text string, rest []byte) {
	buf := data
	if len(carry) > 0 {
		buf = make([]byte, 0, len(carry)+len(data))
		buf = append(buf, carry...)
		buf = append(buf, data...)
	}

	var sb strings.Builder
	sb.Grow(len(buf))
	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			rest = append([]byte(nil), buf...)
			break
		}
		r, size := utf8.DecodeRune(buf)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(buf[:size])
		}
		buf = buf[size:]
	}
	return sb.String(), rest
}
