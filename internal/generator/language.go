package generator

import "strings"

// Cheap output-language heuristic. Only Turkish and English have reliable
// surface signals; every other language pair is accepted conservatively.

var turkishChars = []rune{'ç', 'ğ', 'ı', 'ö', 'ş', 'ü', 'Ç', 'Ğ', 'İ', 'Ö', 'Ş', 'Ü'}

var commonEnglishTokens = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "your": {}, "this": {},
	"that": {}, "from": {}, "best": {}, "our": {}, "you": {}, "are": {},
}

var commonTurkishTokens = map[string]struct{}{
	"ve": {}, "için": {}, "ile": {}, "bir": {}, "bu": {}, "en": {},
	"daha": {}, "sizin": {}, "olan": {}, "gibi": {},
}

// IsLanguageMismatch reports whether the generated texts are visibly not in
// lang. It only ever returns true on strong evidence.
func IsLanguageMismatch(lang string, texts ...string) bool {
	joined := strings.Join(texts, " ")
	if strings.TrimSpace(joined) == "" {
		return false
	}

	switch strings.ToLower(lang) {
	case "tr":
		if containsAnyRune(joined, turkishChars) {
			return false
		}
		english, turkish := countTokens(joined)
		return english >= 3 && turkish == 0
	case "en":
		return containsAnyRune(joined, turkishChars)
	default:
		return false
	}
}

func containsAnyRune(s string, runes []rune) bool {
	return strings.ContainsAny(s, string(runes))
}

func countTokens(s string) (english, turkish int) {
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if _, ok := commonEnglishTokens[tok]; ok {
			english++
		}
		if _, ok := commonTurkishTokens[tok]; ok {
			turkish++
		}
	}
	return english, turkish
}
