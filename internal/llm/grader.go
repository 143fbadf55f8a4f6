package llm

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// minSimilarity is the normalized edit-distance similarity a spoken answer
// needs to count as naming an option's text.
const minSimilarity = 0.75

var spokenLetters = map[string]protocol.ChoiceKey{
	"a": protocol.ChoiceA, "ay": protocol.ChoiceA, "eh": protocol.ChoiceA,
	"b": protocol.ChoiceB, "be": protocol.ChoiceB, "bee": protocol.ChoiceB,
	"c": protocol.ChoiceC, "see": protocol.ChoiceC, "sea": protocol.ChoiceC,
	"d": protocol.ChoiceD, "dee": protocol.ChoiceD,
}

var letterLeads = map[string]bool{"option": true, "answer": true, "letter": true, "choice": true}

// Grade reports whether a transcribed answer picks the correct option,
// either by letter ("option b") or by naming the option text.
func Grade(opts protocol.Options, correct protocol.ChoiceKey, answer string) bool {
	key, ok := Resolve(opts, answer)
	return ok && key == correct
}

// Resolve works out which option a free-form answer refers to.
func Resolve(opts protocol.Options, answer string) (protocol.ChoiceKey, bool) {
	words := normalize(answer)
	if len(words) == 0 {
		return "", false
	}
	if len(words) == 1 {
		if key, ok := spokenLetters[words[0]]; ok {
			return key, true
		}
	}
	for i := 1; i < len(words); i++ {
		last := i == len(words)-1
		if !letterLeads[words[i-1]] && !(last && words[i-1] == "is") {
			continue
		}
		if key, ok := spokenLetters[words[i]]; ok && len(words[i]) <= 3 {
			return key, true
		}
	}

	joined := strings.Join(words, " ")
	var (
		best      protocol.ChoiceKey
		bestScore float64
	)
	for _, opt := range opts.Entries() {
		text := strings.Join(normalize(opt.Text), " ")
		if text == "" {
			continue
		}
		if strings.Contains(" "+joined+" ", " "+text+" ") {
			return opt.Key, true
		}
		if score := similarity(joined, text); score > bestScore {
			best, bestScore = opt.Key, score
		}
	}
	if bestScore >= minSimilarity {
		return best, true
	}
	return "", false
}

func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	// DefaultOptions counts a substitution as two edits, so the distance
	// never exceeds the combined length.
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return 1 - float64(dist)/float64(total)
}

func normalize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
