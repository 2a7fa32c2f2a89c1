package ingest

import (
	"strings"
)

const (
	// MaxChunkSize bounds embedding cost and keeps chunks topically coherent.
	MaxChunkSize = 2000
	// MinChunkSize filters fragments too short to carry knowledge.
	MinChunkSize = 40
)

// TextChunk is a chunk of source text together with the heading of the
// section it was cut from.
type TextChunk struct {
	Text    string
	Section string
}

// ChunkText splits free text into chunks along heading and paragraph
// boundaries, at most MaxChunkSize characters each. Oversized paragraphs
// are split at sentence boundaries; a chunk never breaks mid-sentence when
// a sentence boundary exists inside the budget.
func ChunkText(content string) []TextChunk {
	clean := strings.ReplaceAll(content, "\r\n", "\n")

	chunks := make([]TextChunk, 0)
	var (
		section string
		current []string
		length  int
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(current, "\n\n"))
		if len(text) >= MinChunkSize {
			chunks = append(chunks, TextChunk{Text: text, Section: section})
		}
		current = current[:0]
		length = 0
	}

	for _, paragraph := range strings.Split(clean, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		if heading, ok := headingOf(paragraph); ok {
			flush()
			section = heading
			continue
		}

		for _, piece := range splitOversized(paragraph) {
			// The joiner between pieces counts against the budget too.
			cost := len(piece)
			if len(current) > 0 {
				cost += 2
			}
			if length+cost > MaxChunkSize && len(current) > 0 {
				flush()
				cost = len(piece)
			}
			current = append(current, piece)
			length += cost
		}
	}
	flush()

	return chunks
}

// headingOf recognizes a markdown heading paragraph and returns its title.
func headingOf(paragraph string) (string, bool) {
	if !strings.HasPrefix(paragraph, "#") {
		return "", false
	}
	first := paragraph
	if idx := strings.IndexByte(paragraph, '\n'); idx >= 0 {
		first = paragraph[:idx]
	}
	title := strings.TrimSpace(strings.TrimLeft(first, "#"))
	if title == "" {
		return "", false
	}
	// A heading paragraph may carry body lines below the title; only the
	// title line is the heading, the rest is content.
	if idx := strings.IndexByte(paragraph, '\n'); idx >= 0 {
		rest := strings.TrimSpace(paragraph[idx+1:])
		if rest != "" {
			return title, false
		}
	}
	return title, true
}

// splitOversized cuts a paragraph larger than MaxChunkSize into pieces at
// sentence boundaries. Each piece stays within the budget unless a single
// sentence alone exceeds it.
func splitOversized(paragraph string) []string {
	if len(paragraph) <= MaxChunkSize {
		return []string{paragraph}
	}

	sentences := splitSentences(paragraph)
	pieces := make([]string, 0)
	var sb strings.Builder
	for _, sentence := range sentences {
		if sb.Len() > 0 && sb.Len()+len(sentence)+1 > MaxChunkSize {
			pieces = append(pieces, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(sentence)
	}
	if sb.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(sb.String()))
	}
	return pieces
}

// splitSentences breaks text after terminal punctuation followed by
// whitespace. It is deliberately simple; the chunker only needs boundaries,
// not grammar.
func splitSentences(text string) []string {
	sentences := make([]string, 0)
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			sentences = append(sentences, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// ExtractTitle returns the first markdown heading, or the fallback when the
// document has none.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				return title
			}
		}
	}
	return fallback
}
