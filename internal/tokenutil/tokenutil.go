// Package tokenutil estimates token counts when a provider reports none.
package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// ImageTokens is the flat charge for one inline image. Vision models bill
// images by resolution; a mid-size screenshot lands near this figure.
const ImageTokens = 1600

// EstimateTokens returns the larger of a word-based estimate (1.33 tokens
// per word) and a byte-based one (4 bytes per token). The byte floor keeps
// code and scripts without spaces from being undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	byWords := words * 4 / 3
	byBytes := len(content) / 4
	if byBytes == 0 && utf8.RuneCountInString(strings.TrimSpace(content)) > 0 {
		byBytes = 1
	}
	return max(byWords, byBytes)
}

// EstimateWithImages adds ImageTokens per attached image to the text estimate.
func EstimateWithImages(text string, images int) int {
	return EstimateTokens(text) + images*ImageTokens
}
