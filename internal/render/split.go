package render

import (
	"strings"
	"unicode/utf16"
)

// MaxMessageLength is the chunk size used for plain-text delivery. It stays
// under the 4096 character hard limit of a Telegram message. The channel
// counts UTF-16 code units, so an emoji outside the BMP costs two.
const MaxMessageLength = 4000

// TextLength returns the length of s as the channel counts it.
func TextLength(s string) int {
	n := 0
	for _, r := range s {
		n += runeWidth(r)
	}
	return n
}

func runeWidth(r rune) int {
	if w := utf16.RuneLen(r); w > 0 {
		return w
	}
	return 1
}

// SplitText cuts text into chunks of at most maxLen UTF-16 code units,
// preferring to break at a newline in the second half of the window.
func SplitText(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLength
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		n, width := 0, 0
		for n < len(runes) {
			w := runeWidth(runes[n])
			if width+w > maxLen && n > 0 {
				break
			}
			width += w
			n++
		}
		if n == len(runes) {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := lastNewline(runes[:n])
		if cutAt <= 0 || cutAt < n/2 {
			cutAt = n
		}
		chunk := string(runes[:cutAt])
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cutAt:]
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
