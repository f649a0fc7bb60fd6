package engine

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// correctionTolerance is the Damerau-Levenshtein distance between the
// aligned and spoken alphanumeric forms up to which the aligned text is
// still trusted. Fragment streams occasionally drop or double a character in
// transit; one edit is transit noise, more means the bot said something else.
const correctionTolerance = 1

// CorrectAggregation re-aligns a TTS fragment stream (which loses punctuation
// and spacing in transit) against the LLM's reference text. A two-pointer
// scan walks ref, emitting its punctuation and spacing while consuming one
// spoken alphanumeric character per reference one. If the aligned result's
// alphanumeric form drifts more than one edit from what was actually spoken,
// the corrupted original wins: the transcript must reflect what the caller
// heard.
func CorrectAggregation(corrupted, ref string) string {
	if corrupted == "" || ref == "" {
		return corrupted
	}

	spoken := alnumLower(corrupted)
	var out, emitted strings.Builder
	j := 0
	for _, r := range ref {
		if isAlnumRune(r) {
			if j >= len(spoken) {
				// The bot was cut off; drop the unspoken tail of ref.
				break
			}
			out.WriteRune(r)
			emitted.WriteRune(lowerRune(r))
			j++
		} else {
			out.WriteRune(r)
		}
	}

	if matchr.DamerauLevenshtein(emitted.String(), spoken) > correctionTolerance {
		return corrupted
	}
	return strings.TrimSpace(out.String())
}

func alnumLower(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isAlnumRune(r) {
			b.WriteRune(lowerRune(r))
		}
	}
	return b.String()
}

func lowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func isAlnumRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
