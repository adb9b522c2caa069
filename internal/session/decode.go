package session

import (
	"strings"
	"unicode/utf8"
)

const replacementChar = "�"

// Decoder turns raw terminal output into valid UTF-8 text. Invalid byte
// sequences become U+FFFD. An incomplete rune at the end of a chunk is held
// back and prefixed to the next one, so chunk boundaries never split a
// character. The zero value is ready to use.
type Decoder struct {
	carry []byte
}

// Decode converts one chunk of output.
func (d *Decoder) Decode(p []byte) string {
	if len(d.carry) > 0 {
		buf := make([]byte, 0, len(d.carry)+len(p))
		buf = append(buf, d.carry...)
		p = append(buf, p...)
		d.carry = d.carry[:0]
	}

	if n := incompleteSuffix(p); n > 0 {
		d.carry = append(d.carry, p[len(p)-n:]...)
		p = p[:len(p)-n]
	}
	return strings.ToValidUTF8(string(p), replacementChar)
}

// Flush returns whatever is still held back, replaced as invalid.
func (d *Decoder) Flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	d.carry = d.carry[:0]
	return replacementChar
}

// incompleteSuffix returns the length of a truncated but so far valid rune
// at the end of p, or 0.
func incompleteSuffix(p []byte) int {
	limit := utf8.UTFMax - 1
	if len(p) < limit {
		limit = len(p)
	}
	for i := 1; i <= limit; i++ {
		b := p[len(p)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		tail := p[len(p)-i:]
		if utf8.FullRune(tail) {
			return 0
		}
		return i
	}
	return 0
}
