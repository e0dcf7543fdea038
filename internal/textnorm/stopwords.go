package textnorm

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "he": {}, "her": {},
	"his": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "she": {}, "so": {}, "that": {}, "the": {}, "their": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {},
	"when": {}, "which": {}, "while": {}, "with": {}, "after": {}, "during": {}, "very": {},
}

// IsStopWord reports whether w is dropped in stop-word mode.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}
