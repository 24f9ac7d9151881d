// Package segment splits extracted document text into overlapping
// fixed-size chunks for embedding and retrieval.
package segment

import "fmt"

// Chunk is one window of a document's text. Offsets are rune positions
// into the source text.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Split cuts text into chunks of size runes with the given overlap between
// consecutive chunks. The final chunk is truncated to the remaining text.
// Identical inputs always produce identical output; the index cache relies
// on this for fingerprint validity.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap <= 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in (0, %d), got %d", size, overlap)
	}
	if text == "" {
		return []Chunk{}, nil
	}

	runes := []rune(text)
	stride := size - overlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
