package chunking

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Splitter packs whole sentences into chunks of at most ChunkSize runes. Consecutive
// chunks share roughly Overlap runes of trailing sentences. A sentence longer than
// ChunkSize is cut into rune windows.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		out     []string
		current []string
		size    int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, strings.Join(current, " "))
		current, size = s.carryOver(current)
	}

	for _, sentence := range sentences {
		n := utf8.RuneCountInString(sentence)
		if n > s.ChunkSize {
			flush()
			current, size = nil, 0
			out = append(out, s.window(sentence)...)
			continue
		}
		if size > 0 && size+1+n > s.ChunkSize {
			flush()
			// The carried tail may still leave no room for the next sentence.
			if size > 0 && size+1+n > s.ChunkSize {
				current, size = nil, 0
			}
		}
		if size > 0 {
			size++
		}
		current = append(current, sentence)
		size += n
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, " "))
	}
	return out
}

// carryOver keeps the trailing sentences that fit into Overlap.
func (s *Splitter) carryOver(chunk []string) ([]string, int) {
	if s.Overlap == 0 {
		return nil, 0
	}
	size := 0
	start := len(chunk)
	for i := len(chunk) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(chunk[i])
		if size > 0 {
			n++
		}
		if size+n > s.Overlap {
			break
		}
		size += n
		start = i
	}
	if start == len(chunk) {
		return nil, 0
	}
	return append([]string(nil), chunk[start:]...), size
}

func (s *Splitter) window(sentence string) []string {
	runes := []rune(sentence)
	step := max(s.ChunkSize-s.Overlap, 1)
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+s.ChunkSize, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// splitSentences breaks on '.', '!' or '?' followed by whitespace and collapses
// inner whitespace.
func splitSentences(text string) []string {
	var (
		out     []string
		current strings.Builder
	)
	emit := func() {
		if sentence := strings.Join(strings.Fields(current.String()), " "); sentence != "" {
			out = append(out, sentence)
		}
		current.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			emit()
		}
	}
	emit()
	return out
}
