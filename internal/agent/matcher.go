package agent

import "regexp"

// Detection is a positive pattern-match result over an output chunk.
type Detection struct {
	Type       string
	Confidence float64
}

// Matcher detects agent activity in terminal output. Implementations must
// use bounded, word-boundary matching so agent names embedded in unrelated
// text do not produce false positives.
type Matcher interface {
	Match(chunk string) (Detection, bool)
}

type pattern struct {
	agentType  string
	re         *regexp.Regexp
	confidence float64
}

// PatternMatcher is the default Matcher. Banner and prompt patterns score
// higher than a bare agent name.
type PatternMatcher struct {
	patterns []pattern
}

// NewPatternMatcher builds the default detection table for the common
// interactive CLI agents.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{
		patterns: []pattern{
			{"claude", regexp.MustCompile(`(?i)\bclaude code\b`), 0.95},
			{"claude", regexp.MustCompile(`(?i)\bwelcome to claude\b`), 0.95},
			{"claude", regexp.MustCompile(`(?i)\bclaude\b`), 0.7},
			{"codex", regexp.MustCompile(`(?i)\bopenai codex\b`), 0.95},
			{"codex", regexp.MustCompile(`(?i)\bcodex\b`), 0.7},
			{"gemini", regexp.MustCompile(`(?i)\bgemini cli\b`), 0.95},
			{"gemini", regexp.MustCompile(`(?i)\bgemini\b`), 0.7},
			{"aider", regexp.MustCompile(`(?i)\baider v?\d`), 0.95},
			{"aider", regexp.MustCompile(`(?i)\baider\b`), 0.7},
		},
	}
}

// Match returns the highest-confidence detection in the chunk, if any.
func (m *PatternMatcher) Match(chunk string) (Detection, bool) {
	if chunk == "" {
		return Detection{}, false
	}

	best := Detection{}
	for _, p := range m.patterns {
		if p.confidence <= best.Confidence {
			continue
		}
		if p.re.MatchString(chunk) {
			best = Detection{Type: p.agentType, Confidence: p.confidence}
		}
	}
	return best, best.Type != ""
}
