// Package codec hides a conversation id inside chat text as a trailing run of
// zero-width characters.
//
// The id is base64 encoded and every base64 character is split into two octal
// digits, each written as one glyph from an eight symbol invisible alphabet.
// Padding characters only carry their high digit. The run has no delimiter:
// it is recovered by taking the maximal trailing run of alphabet glyphs, so
// it must sit at the very end of the carrier text.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound means the text does not end in an encoded token.
	ErrNotFound = errors.New("codec: no encoded token")
	// ErrMalformed means a trailing glyph run exists but does not decode.
	ErrMalformed = errors.New("codec: malformed token")
)

// alphabet maps an octal digit to its glyph.
var alphabet = [8]rune{
	'\u200b', // zero width space
	'\u200c', // zero width non-joiner
	'\u200d', // zero width joiner
	'\ufeff', // zero width no-break space
	'\u2060', // word joiner
	'\u180e', // mongolian vowel separator
	'\u2061', // function application
	'\u2062', // invisible times
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func digitOf(r rune) (int, bool) {
	for i, g := range alphabet {
		if g == r {
			return i, true
		}
	}
	return 0, false
}

// IsGlyph reports whether r belongs to the invisible alphabet.
func IsGlyph(r rune) bool {
	_, ok := digitOf(r)
	return ok
}

// Encode returns the invisible token for id. An empty id yields "".
func Encode(id string) string {
	if id == "" {
		return ""
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(id))

	var b strings.Builder
	b.Grow(len(encoded) * 2 * 3)
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		val := 0
		if c != '=' {
			val = strings.IndexByte(base64Chars, c)
		}
		b.WriteRune(alphabet[(val>>3)&7])
		if c != '=' {
			b.WriteRune(alphabet[val&7])
		}
	}
	return b.String()
}

// Decode extracts the conversation id hidden at the tail of text. It never
// fails: any problem is reported as ok == false.
func Decode(text string) (id string, ok bool) {
	id, err := DecodeStrict(text)
	if err != nil {
		return "", false
	}
	return id, id != ""
}

// DecodeStrict is Decode with the failure reason preserved.
func DecodeStrict(text string) (string, error) {
	digits := trailingDigits(text)
	if len(digits) == 0 {
		return "", ErrNotFound
	}

	pads, ok := paddingFor(len(digits))
	if !ok {
		return "", fmt.Errorf("%w: %d glyphs do not form a base64 quantum", ErrMalformed, len(digits))
	}

	data := digits[:len(digits)-pads]
	chars := make([]byte, 0, len(data)/2+pads+1)
	for i := 0; i < len(data); i += 2 {
		val := data[i] << 3
		if i+1 < len(data) {
			val |= data[i+1]
		}
		chars = append(chars, base64Chars[val])
	}
	for i := 0; i < pads; i++ {
		chars = append(chars, '=')
	}

	raw, err := base64.StdEncoding.DecodeString(string(chars))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: decoded bytes are not utf-8", ErrMalformed)
	}
	return string(raw), nil
}

// paddingFor recovers how many padding characters a run of n glyphs carried.
// Every data character takes two glyphs and every pad one, and the base64
// text is a whole number of four character quanta.
func paddingFor(n int) (int, bool) {
	for pads := 0; pads <= 2; pads++ {
		if (n+pads)%2 != 0 {
			continue
		}
		if chars := (n + pads) / 2; chars%4 == 0 {
			return pads, true
		}
	}
	return 0, false
}

// trailingDigits collects the maximal run of alphabet glyphs at the end of
// text, in original order, as octal digits.
func trailingDigits(text string) []int {
	var reversed []int
	for len(text) > 0 {
		r, size := utf8.DecodeLastRuneInString(text)
		d, ok := digitOf(r)
		if !ok {
			break
		}
		reversed = append(reversed, d)
		text = text[:len(text)-size]
	}
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed
}
