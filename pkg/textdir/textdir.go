// Package textdir guesses the writing direction of user-visible strings.
package textdir

import "unicode"

// rtl covers Hebrew, Arabic and the Arabic supplement, extension and
// presentation-form blocks.
var rtl = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0590, Hi: 0x05FF, Stride: 1}, // Hebrew
		{Lo: 0x0600, Hi: 0x06FF, Stride: 1}, // Arabic
		{Lo: 0x0750, Hi: 0x077F, Stride: 1}, // Arabic Supplement
		{Lo: 0x08A0, Hi: 0x08FF, Stride: 1}, // Arabic Extended-A
		{Lo: 0xFB1D, Hi: 0xFB4F, Stride: 1}, // Hebrew presentation forms
		{Lo: 0xFB50, Hi: 0xFDFF, Stride: 1}, // Arabic Presentation Forms-A
		{Lo: 0xFE70, Hi: 0xFEFF, Stride: 1}, // Arabic Presentation Forms-B
	},
}

// IsRTL reports whether s contains at least one right-to-left character.
func IsRTL(s string) bool {
	for _, r := range s {
		if unicode.Is(rtl, r) {
			return true
		}
	}
	return false
}
