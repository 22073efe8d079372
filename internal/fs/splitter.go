package fs

import (
	"strings"
	"unicode/utf8"
)

// Splitter cuts text into overlapping windows. Lines are packed greedily up
// to ChunkSize characters, and trailing lines of a full chunk that fit inside
// ChunkOverlap are repeated at the start of the next one. The output depends
// only on the input text and options.
type Splitter struct {
	opts SplitOptions
}

// NewSplitter creates a new splitter.
func NewSplitter(opts SplitOptions) *Splitter {
	// Apply defaults for zero values
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultSplitOptions().ChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 4
	}

	return &Splitter{opts: opts}
}

// Options returns the effective options.
func (s *Splitter) Options() SplitOptions {
	return s.opts
}

type segment struct {
	text  string
	size  int // rune count including the joining newline
	start int // rune offset in the source text
}

// Split splits text into chunks. Whitespace-only input yields no chunks.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	var current []segment
	currentSize := 0
	fresh := 0 // segments in current that were not carried over

	flush := func() {
		if fresh == 0 || len(current) == 0 {
			return
		}
		parts := make([]string, len(current))
		for i, seg := range current {
			parts[i] = seg.text
		}
		content := strings.Join(parts, "\n")
		if strings.TrimSpace(content) != "" {
			chunks = append(chunks, Chunk{
				Content:   content,
				Index:     len(chunks),
				StartChar: current[0].start,
			})
		}
	}

	for _, seg := range s.segments(text) {
		if currentSize+seg.size > s.opts.ChunkSize && len(current) > 0 {
			if fresh == 0 {
				// Only carried overlap so far; it cannot share a chunk with
				// this segment, and a chunk of pure overlap adds nothing.
				current = nil
				currentSize = 0
			} else {
				flush()
				current, currentSize = s.overlap(current)
				fresh = 0
				if currentSize+seg.size > s.opts.ChunkSize {
					current = nil
					currentSize = 0
				}
			}
		}

		current = append(current, seg)
		currentSize += seg.size
		fresh++
	}
	flush()

	return chunks
}

// segments breaks text into lines, cutting lines longer than ChunkSize into
// windows that overlap by ChunkOverlap.
func (s *Splitter) segments(text string) []segment {
	var segs []segment
	offset := 0
	step := s.opts.ChunkSize - s.opts.ChunkOverlap

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if n <= s.opts.ChunkSize {
			segs = append(segs, segment{text: line, size: n + 1, start: offset})
			offset += n + 1
			continue
		}

		runes := []rune(line)
		for i := 0; i < len(runes); i += step {
			end := min(i+s.opts.ChunkSize, len(runes))
			segs = append(segs, segment{text: string(runes[i:end]), size: end - i, start: offset + i})
			if end == len(runes) {
				break
			}
		}
		offset += n + 1
	}

	return segs
}

// overlap returns the trailing segments that fit within ChunkOverlap.
func (s *Splitter) overlap(segs []segment) ([]segment, int) {
	if s.opts.ChunkOverlap <= 0 {
		return nil, 0
	}

	size := 0
	i := len(segs)
	for i > 0 && size+segs[i-1].size <= s.opts.ChunkOverlap {
		size += segs[i-1].size
		i--
	}

	carried := make([]segment, len(segs)-i)
	copy(carried, segs[i:])
	return carried, size
}
