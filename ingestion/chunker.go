package ingestion

import (
	"fmt"
	"strings"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// separators are tried in order when looking for a natural place to end a chunk.
var separators = []string{"\n\n", "\n", " "}

// Segment is a slice of the source text addressed by rune offsets [Start, End).
type Segment struct {
	Text  string
	Start int
	End   int
}

// Chunker splits text into overlapping segments of at most Size runes.
// Consecutive segments share exactly Overlap runes.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) (Chunker, error) {
	if size <= 0 {
		return Chunker{}, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return Chunker{}, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return Chunker{Size: size, Overlap: overlap}, nil
}

// Split returns the ordered segments covering text. Blank text yields none.
func (c Chunker) Split(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	if n <= c.Size {
		return []Segment{{Text: text, Start: 0, End: n}}
	}

	segments := make([]Segment, 0, n/(c.Size-c.Overlap)+1)
	start := 0
	for {
		end := start + c.Size
		if end >= n {
			segments = append(segments, Segment{Text: string(runes[start:n]), Start: start, End: n})
			return segments
		}

		cut := c.boundary(runes, start, end)
		segments = append(segments, Segment{Text: string(runes[start:cut]), Start: start, End: cut})
		start = cut - c.Overlap
	}
}

// boundary picks the end of the chunk starting at start. The cut must land
// beyond start+Overlap so the next chunk always advances.
func (c Chunker) boundary(runes []rune, start, end int) int {
	floor := start + c.Overlap
	for _, sep := range separators {
		sr := []rune(sep)
		for cut := end; cut > floor; cut-- {
			if cut-len(sr) < start {
				break
			}
			if hasRunes(runes[cut-len(sr):cut], sr) {
				return cut
			}
		}
	}
	return end
}

func hasRunes(window, want []rune) bool {
	for i := range want {
		if window[i] != want[i] {
			return false
		}
	}
	return true
}
