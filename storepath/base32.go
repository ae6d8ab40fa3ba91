package storepath

// Nix's base-32 alphabet: the 32 characters of [0-9a-z] with the four that
// are easy to misread or confuse omitted ('e', 'o', 'u', 't'). Digits sort
// before letters so store path names sort the same as their digests.
const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// base32Encode renders data the way Nix names store paths: bits are
// consumed from the END of the byte slice, five at a time, most-significant
// chunk first in the output string. The output length is
// ceil(len(data)*8/5) characters; it is never padded.
func base32Encode(data [20]byte) string {
	const bitsPerChar = 5
	nChars := (len(data)*8 + bitsPerChar - 1) / bitsPerChar

	out := make([]byte, nChars)
	for n := nChars - 1; n >= 0; n-- {
		bPos := (nChars - 1 - n) * bitsPerChar
		byteIdx := bPos / 8
		bitIdx := uint(bPos % 8)

		var b uint16
		if byteIdx < len(data) {
			b = uint16(data[len(data)-1-byteIdx])
		}
		var b2 uint16
		if byteIdx+1 < len(data) {
			b2 = uint16(data[len(data)-1-(byteIdx+1)])
		}
		word := b | b2<<8
		digit := (word >> bitIdx) & 0x1f
		out[n] = alphabet[digit]
	}
	return string(out)
}
