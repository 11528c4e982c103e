package knowledge

import "strings"

// maxChunkChars is the hard cap on chunk size. Paragraphs are preferred
// boundaries, then sentences.
const maxChunkChars = 500

// SplitChunks breaks document content into retrieval units: whole
// paragraphs when they fit, sentence groups otherwise, with a hard cap on
// runaway sentences.
func SplitChunks(content string) []string {
	var chunks []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len([]rune(para)) <= maxChunkChars {
			chunks = append(chunks, para)
			continue
		}
		chunks = append(chunks, splitSentences(para)...)
	}
	return chunks
}

// splitSentences groups sentences up to the cap; a single oversize
// sentence is hard-wrapped.
func splitSentences(text string) []string {
	var chunks []string
	var current strings.Builder

	for _, sentence := range sentences(text) {
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(sentence))+1 > maxChunkChars {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if len([]rune(sentence)) > maxChunkChars {
			chunks = append(chunks, hardWrap(sentence)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

// sentences splits on sentence-final punctuation, keeping the terminator.
func sentences(text string) []string {
	var out []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' {
			// Don't split decimals like 3.14.
			if r == '.' && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
				continue
			}
			s := strings.TrimSpace(current.String())
			if s != "" {
				out = append(out, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func hardWrap(text string) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > maxChunkChars {
		chunks = append(chunks, string(runes[:maxChunkChars]))
		runes = runes[maxChunkChars:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
