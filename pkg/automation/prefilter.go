package automation

import (
	"strings"
	"sync"

	ac "github.com/petar-dambovaliev/aho-corasick"
)

// keywordPrefilter scans message text once for every keyword of every
// automation. A miss means no keyword-gated automation can fire.
type keywordPrefilter struct {
	ac       *ac.AhoCorasick
	mu       *sync.Mutex // serializes FindAll
	patterns []string
}

func newKeywordPrefilter(automations []compiled) keywordPrefilter {
	dedupe := make(map[string]struct{})
	var patterns []string
	for _, c := range automations {
		for _, kw := range c.keywords {
			if _, ok := dedupe[kw]; ok {
				continue
			}
			dedupe[kw] = struct{}{}
			patterns = append(patterns, kw)
		}
	}
	if len(patterns) == 0 {
		return keywordPrefilter{}
	}
	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ac.LeftMostLongestMatch,
		DFA:                  true,
	})
	automaton := builder.Build(patterns)
	return keywordPrefilter{ac: &automaton, mu: &sync.Mutex{}, patterns: patterns}
}

func (p keywordPrefilter) patternCount() int { return len(p.patterns) }

// hasMatch reports whether any keyword occurs in text.
func (p keywordPrefilter) hasMatch(text string) bool {
	if p.ac == nil || text == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ac.FindAll(text)) > 0
}

// containsAny is the exact per-automation check run after the prefilter.
// Keywords are stored lower-cased.
func containsAny(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}
