package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text", in: "ok: [work]\n", want: "ok: [work]\n"},
		{name: "layout controls", in: "a\tb\rc\bd\ae\n", want: "a\tb\rc\bd\ae\n"},
		{name: "sgr reset", in: "\x1b[0mdone", want: "\x1b[0mdone"},
		{name: "bold red", in: "\x1b[1;31mfailed\x1b[0m", want: "\x1b[1;31mfailed\x1b[0m"},
		{name: "normal green", in: "\x1b[0;32mok", want: "\x1b[0;32mok"},
		{name: "color out of range", in: "\x1b[0;38mx", want: "_[0;38mx"},
		{name: "background color", in: "\x1b[1;41m", want: "_[1;41m"},
		{name: "cursor movement", in: "\x1b[2J\x1b[H", want: "_[2J_[H"},
		{name: "osc title", in: "\x1b]0;pwned\x07", want: "_]0;pwned\a"},
		{name: "truncated sequence", in: "\x1b[1;3", want: "_[1;3"},
		{name: "high bytes", in: "caf\xc3\xa9", want: "caf__"},
		{name: "nul and del", in: "\x00\x7f", want: "__"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter([]byte(tt.in))
			assert.Equal(t, tt.want, string(got))
			assert.Len(t, got, len(tt.in))
		})
	}
}

func TestFilterMalformedEscapeAfterColor(t *testing.T) {
	in := []byte("\x1b[1;31mHELLO\x1b[99m")

	got := Filter(in)
	assert.Len(t, got, len(in))
	assert.Equal(t, "\x1b[1;31mHELLO", string(got[:12]))
	// Only the introducer is neutralized; the remaining bytes are inert text.
	assert.Equal(t, "_[99m", string(got[12:]))
}

func TestFilterNeverEmitsForeignEscapes(t *testing.T) {
	in := make([]byte, 0, 256*3)
	for c := 0; c < 256; c++ {
		in = append(in, 0x1b, '[', byte(c))
	}
	got := Filter(in)
	assert.Len(t, got, len(in))
	assert.NotContains(t, string(got), "\x1b")
}

func TestString(t *testing.T) {
	assert.Equal(t, "a_b", String([]byte("a\x1bb")))
}
