package patcher

import (
	"strings"
)

// Fixed domain lexicon used for paragraph relevance. Terms a citation context
// shares with a paragraph are strong placement signals regardless of n-gram
// extraction. English and Hungarian variants live side by side.
var domainLexicon = []string{
	"property", "apartment", "housing", "rent", "mortgage", "investment",
	"market", "price", "district", "developer", "yield", "interest",
	"loan", "bank", "credit", "inflation", "tax", "regulation", "law",
	"tourism", "tourist", "hotel", "travel", "statistics", "government",
	"ingatlan", "lakás", "albérlet", "hitel", "kamat", "befektetés",
	"piac", "ár", "kerület", "hozam", "bank", "adó", "törvény",
	"turizmus", "szálloda", "statisztika", "kormány",
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "have": {}, "are": {}, "was": {}, "were": {}, "will": {},
	"а": {}, "az": {}, "és": {}, "egy": {}, "hogy": {}, "nem": {},
	"van": {}, "volt": {}, "lesz": {}, "mint": {}, "vagy": {}, "már": {},
}

// contextKeywords extracts placement keywords from a citation's relevance
// context: lexicon terms it contains, plus significant unigrams and bigram
// phrases.
func contextKeywords(text string) []string {
	lower := strings.ToLower(text)

	seen := map[string]struct{}{}
	var out []string
	add := func(kw string) {
		if kw == "" {
			return
		}
		if _, ok := seen[kw]; ok {
			return
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}

	for _, term := range domainLexicon {
		if strings.Contains(lower, term) {
			add(term)
		}
	}

	words := significantWords(lower)
	for _, w := range words {
		add(w)
	}
	for i := 0; i+1 < len(words); i++ {
		add(words[i] + " " + words[i+1])
	}
	return out
}

// overlapScore counts context keywords present in the paragraph text.
func overlapScore(keywords []string, paragraphText string) int {
	lower := strings.ToLower(paragraphText)
	score := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}

func significantWords(lower string) []string {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !isWordRune(r)
	})
	var out []string
	for _, f := range fields {
		if len([]rune(f)) <= 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isWordRune(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
		return true
	}
	// Accented letters common in Hungarian and German prose.
	return r > 127
}

func normalizeLang(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return language
}

func startsWithVowelHU(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	return strings.ContainsRune("aáeéiíoóöőuúüű", []rune(s)[0])
}
