package learning

import "strings"

var stopwords = toSet(
	// pt
	"a", "o", "as", "os", "um", "uma", "de", "do", "da", "dos", "das", "em", "no", "na",
	"nos", "nas", "e", "ou", "que", "se", "por", "para", "com", "sem", "eu", "voce",
	"ele", "ela", "isso", "isto", "esse", "essa", "este", "esta", "ao", "aos", "me",
	"meu", "minha", "seu", "sua", "mas", "mais", "ja", "nao", "sim", "vou", "agora",
	"ai", "la", "aqui", "tambem", "como", "quando",
	// en
	"the", "an", "of", "to", "in", "on", "at", "for", "with", "and", "or", "is",
	"are", "was", "be", "it", "this", "that", "i", "we", "you", "my", "our", "me",
	"let", "so", "now", "then", "will", "can", "just", "do", "if", "as", "by",
)

// stopPhrases are frequent but say nothing about agent behavior.
var stopPhrases = toSet(
	"vou fazer", "eu vou", "vamos ver", "deixa eu", "let me", "i need to", "i will",
	"i ll", "we need to", "i should", "i can", "need to", "going to",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// uninformative reports whether an n-gram should never become a pattern:
// all stopwords, a stop phrase, or starting or ending on a stopword.
func uninformative(words []string) bool {
	if len(words) == 0 {
		return true
	}
	if _, ok := stopPhrases[strings.Join(words, " ")]; ok {
		return true
	}
	if isStop(words[0]) || isStop(words[len(words)-1]) {
		return true
	}
	for _, w := range words {
		if !isStop(w) && len([]rune(w)) >= 3 {
			return false
		}
	}
	return true
}

func isStop(w string) bool {
	_, ok := stopwords[w]
	return ok
}
