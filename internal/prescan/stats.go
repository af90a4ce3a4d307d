package prescan

import (
	"context"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/novelkg/novelkg/internal/domain/novel"
	"github.com/novelkg/novelkg/internal/validate"
)

// minSurfaceFormRunes excludes single-character tokens, which are almost
// never a usable entity name on their own in Chinese text.
const minSurfaceFormRunes = 2

// titleSuffixes mark a preceding token as very likely a person name.
var titleSuffixes = []string{"道长", "真人", "大师", "掌门", "长老", "宗主", "城主", "王", "帝", "仙", "圣"}

// dialogueAttributionRe matches the common "X道:"/"X说:" dialogue-attribution
// pattern, one of the strongest unsupervised signals for a person name.
var dialogueAttributionRe = regexp.MustCompile(`([\p{Han}]{2,4})(道|说|喊|问|答|笑道|冷笑道)[:：]`)

type candidate struct {
	name          string
	frequency     int
	dialogueHits  int
	titleHits     int
	sampleContext string
}

// scanChapters runs the statistical pass across every chapter's text,
// producing one candidate per distinct surface form with its frequency and
// positional-heuristic hit counts. It stops early (returning whatever it
// has collected so far, not an error) once ctx's deadline passes, since
// Phase 1 is explicitly best-effort.
func scanChapters(ctx context.Context, chapters []*novel.Chapter) (map[string]*candidate, error) {
	candidates := map[string]*candidate{}

	ensure := func(name, sample string) *candidate {
		c, ok := candidates[name]
		if !ok {
			c = &candidate{name: name, sampleContext: sample}
			candidates[name] = c
		}
		return c
	}

	for _, ch := range chapters {
		if ctx.Err() != nil {
			break
		}
		tokens, err := cut(ch.Text)
		if err != nil {
			return nil, err
		}
		for i, tok := range tokens {
			if utf8.RuneCountInString(tok) < minSurfaceFormRunes {
				continue
			}
			if !looksLikeProperNoun(tok) {
				continue
			}
			c := ensure(tok, contextWindow(tokens, i))
			c.frequency++

			for _, suffix := range titleSuffixes {
				if hasSuffix(tok, suffix) {
					c.titleHits++
					break
				}
			}
		}

		for _, m := range dialogueAttributionRe.FindAllStringSubmatch(ch.Text, -1) {
			c := ensure(m[1], m[0])
			c.dialogueHits++
		}
	}

	return candidates, nil
}

// looksLikeProperNoun filters out generic words this pass would otherwise
// flood the dictionary with, reusing the validator's generic-location
// filter since the same noise (bare generics, size-modifier pairs) afflicts
// both passes.
func looksLikeProperNoun(tok string) bool {
	for _, r := range tok {
		if r < 0x4E00 || r > 0x9FFF {
			return false // non-Han token: punctuation, digits, latin
		}
	}
	return !validate.IsGenericLocationName(tok)
}

func hasSuffix(s, suffix string) bool {
	sr, sufr := []rune(s), []rune(suffix)
	if len(sr) <= len(sufr) {
		return false
	}
	for i := 0; i < len(sufr); i++ {
		if sr[len(sr)-len(sufr)+i] != sufr[i] {
			return false
		}
	}
	return true
}

func contextWindow(tokens []string, i int) string {
	start := i - 3
	if start < 0 {
		start = 0
	}
	end := i + 4
	if end > len(tokens) {
		end = len(tokens)
	}
	out := ""
	for _, t := range tokens[start:end] {
		out += t
	}
	return out
}

// rankCandidates sorts by descending frequency for the Phase 2 batch cap.
func rankCandidates(candidates map[string]*candidate) []*candidate {
	out := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].frequency != out[j].frequency {
			return out[i].frequency > out[j].frequency
		}
		return out[i].name < out[j].name
	})
	return out
}
