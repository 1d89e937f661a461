package tokenizer

// byteToRune maps every byte to a printable rune so BPE vocabularies never
// contain raw control bytes or spaces.
var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToRune[b] = rune(b)
		} else {
			byteToRune[b] = rune(256 + n)
			n++
		}
		runeToByte[byteToRune[b]] = byte(b)
	}
}

// appendByteLevel reverses the byte-level mapping of token onto buf. Runes
// outside the table are written as UTF-8.
func appendByteLevel(buf []byte, token string) []byte {
	for _, r := range token {
		if b, ok := runeToByte[r]; ok {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, string(r)...)
	}
	return buf
}
