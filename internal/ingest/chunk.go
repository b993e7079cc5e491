package ingest

import "strings"

// chunkText splits text into fixed-width windows of size runes. Windows
// always break on rune boundaries and the last window may be shorter,
// so joining the windows in order reproduces text exactly. Text that
// trims to nothing yields no chunks.
func chunkText(text string, size int) []string {
	if size <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	start, count := 0, 0
	for i := range text {
		if count == size {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}
