package knowledge

import "strings"

// particles are Korean postpositional suffixes stripped from token tails,
// longest match first, so "서울에서" and "서울은" both index as "서울".
var particles = []string{
	"에서부터", "으로부터", "에게서", "한테서",
	"입니다", "습니다", "으로는", "으로써", "으로서",
	"에서는", "에서도", "이라는", "라는",
	"에서", "에게", "한테", "까지", "부터", "처럼", "보다",
	"으로", "로는", "와는", "과는", "마다", "조차", "밖에",
	"은", "는", "이", "가", "을", "를", "의", "에", "로", "와", "과", "도", "만",
}

// stopwords are dropped after particle stripping.
var stopwords = map[string]bool{
	// Korean
	"그리고": true, "그러나": true, "하지만": true, "그래서": true,
	"또한": true, "및": true, "등": true, "수": true, "것": true,
	"있다": true, "없다": true, "하다": true, "되다": true,
	"이다": true, "아니다": true, "때문": true, "경우": true,
	// English
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "to": true, "of": true, "in": true,
	"on": true, "at": true, "for": true, "with": true, "by": true,
	"it": true, "this": true, "that": true, "as": true, "from": true,
}

// isTokenRune accepts ASCII alphanumerics and Korean syllables/jamo.
func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	case r >= 0x1100 && r <= 0x11FF: // Hangul jamo
		return true
	case r >= 0x3130 && r <= 0x318F: // Hangul compatibility jamo
		return true
	}
	return false
}

// Tokenize lowercases, splits on token boundaries, strips Korean particles
// and drops stopwords.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := stripParticle(current.String())
		current.Reset()
		if token == "" || stopwords[token] {
			return
		}
		tokens = append(tokens, token)
	}
	for _, r := range text {
		if isTokenRune(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// stripParticle removes one trailing particle, longest first. Tokens that
// are entirely a particle are kept as-is.
func stripParticle(token string) string {
	for _, p := range particles {
		if strings.HasSuffix(token, p) && len(token) > len(p) {
			return strings.TrimSuffix(token, p)
		}
	}
	return token
}
