package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// correctThreshold is the minimum Jaro-Winkler similarity for a transcribed
// word to be replaced by a vocabulary entry.
const correctThreshold = 0.9

// correctNames replaces misheard vocabulary words in text with their
// canonical spelling. STT output routinely mangles proper nouns (department
// and person names); a phonetic pass against the known vocabulary fixes the
// common cases before the segment is stored and embedded.
//
// Only near-certain matches are replaced: the word must both sound like the
// entry (shared Double Metaphone code) and be spelled close to it. Words of
// three characters or fewer are never touched.
func correctNames(text string, vocabulary []string) string {
	if len(vocabulary) == 0 {
		return text
	}

	words := strings.Fields(text)
	changed := false
	for i, w := range words {
		core, prefix, suffix := stripPunct(w)
		if len(core) <= 3 {
			continue
		}
		lower := strings.ToLower(core)
		for _, name := range vocabulary {
			nameLower := strings.ToLower(name)
			if lower == nameLower {
				break
			}
			if matchr.JaroWinkler(lower, nameLower, false) < correctThreshold {
				continue
			}
			p1, s1 := matchr.DoubleMetaphone(lower)
			p2, s2 := matchr.DoubleMetaphone(nameLower)
			if !phoneticMatch(p1, s1, p2, s2) {
				continue
			}
			words[i] = prefix + matchCase(core, name) + suffix
			changed = true
			break
		}
	}
	if !changed {
		return text
	}
	return strings.Join(words, " ")
}

// phoneticMatch reports whether any Double Metaphone code of one word is a
// prefix of a code of the other. The prefix relation absorbs trailing-sound
// differences from clipped words ("billin" vs "billing").
func phoneticMatch(p1, s1, p2, s2 string) bool {
	for _, a := range []string{p1, s1} {
		if a == "" {
			continue
		}
		for _, b := range []string{p2, s2} {
			if b == "" {
				continue
			}
			if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
				return true
			}
		}
	}
	return false
}

// stripPunct splits leading and trailing punctuation off a token so the core
// word can be compared and the punctuation restored after replacement.
func stripPunct(w string) (core, prefix, suffix string) {
	start, end := 0, len(w)
	for start < end && !isWordRune(rune(w[start])) {
		start++
	}
	for end > start && !isWordRune(rune(w[end-1])) {
		end--
	}
	return w[start:end], w[:start], w[end:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// matchCase carries the original word's capitalisation onto the replacement
// so corrections do not stand out mid-sentence.
func matchCase(original, replacement string) string {
	if original == "" || replacement == "" {
		return replacement
	}
	if unicode.IsUpper(rune(original[0])) {
		return strings.ToUpper(replacement[:1]) + replacement[1:]
	}
	return strings.ToLower(replacement[:1]) + replacement[1:]
}
