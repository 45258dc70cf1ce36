package codec

import "unicode/utf16"

// UTF16Len is the length of s in UTF-16 code units, the unit Yjs uses for
// string lengths and offsets.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += max(utf16.RuneLen(r), 1)
	}
	return n
}

// UTF16Offset returns the byte offset of the n-th UTF-16 code unit of s. When
// n falls between the two halves of a surrogate pair, split reports true and
// off is the start of that pair.
func UTF16Offset(s string, n int) (off int, split bool) {
	if n <= 0 {
		return 0, false
	}
	units := 0
	for pos, r := range s {
		if units == n {
			return pos, false
		}
		units += max(utf16.RuneLen(r), 1)
		if units > n {
			return pos, true
		}
	}
	return len(s), false
}
