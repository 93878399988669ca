// Package sanitize filters byte streams coming back from a management
// disposable before they reach the local terminal or log.
//
// A compromised sandbox can emit arbitrary terminal escape sequences. Filter
// keeps printable ASCII, a handful of layout control bytes, the SGR reset and
// foreground color sequences; every other byte is replaced 1:1 with
// Placeholder, so the output always has the same length as the input.
package sanitize

// Placeholder replaces every rejected byte.
const Placeholder = '_'

const esc = 0x1b

// Filter returns a sanitized copy of b.
func Filter(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		if n := allowedEscape(b[i:]); n > 0 {
			out = append(out, b[i:i+n]...)
			i += n
			continue
		}

		c := b[i]
		if allowedByte(c) {
			out = append(out, c)
		} else {
			out = append(out, Placeholder)
		}
		i++
	}
	return out
}

// String is Filter for byte slices that end up as text.
func String(b []byte) string {
	return string(Filter(b))
}

// allowedEscape returns the length of a whitelisted escape sequence at the
// start of b, or 0.
func allowedEscape(b []byte) int {
	if len(b) < 4 || b[0] != esc || b[1] != '[' {
		return 0
	}
	// SGR reset
	if b[2] == '0' && b[3] == 'm' {
		return 4
	}
	// ESC [ <0|1> ; 3 <0-7> m
	if len(b) >= 7 &&
		(b[2] == '0' || b[2] == '1') &&
		b[3] == ';' &&
		b[4] == '3' &&
		b[5] >= '0' && b[5] <= '7' &&
		b[6] == 'm' {
		return 7
	}
	return 0
}

func allowedByte(c byte) bool {
	if c >= 0x20 && c <= 0x7e {
		return true
	}
	switch c {
	case '\a', '\b', '\n', '\r', '\t':
		return true
	}
	return false
}
