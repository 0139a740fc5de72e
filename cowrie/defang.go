package cowrie

import (
	"regexp"
	"strings"

	"github.com/quay/honeycore"
)

// DefangMode selects the command neutralization strategy.
type DefangMode uint

const (
	// DefangIntelligent classifies the command and rewrites only the
	// live parts: URL schemes, command separators, dangerous verbs.
	// This is the default everywhere; both loader entry points share
	// it.
	DefangIntelligent DefangMode = iota
	// DefangLegacy indiscriminately replaces URLs and separators
	// with placeholder tokens. Kept for deployments that migrated
	// from the original pipeline.
	DefangLegacy
)

// DefangConfig controls Defang.
type DefangConfig struct {
	Mode DefangMode
	// PreserveOriginal keeps the original command text under
	// "input_original". When false the original fields are blanked
	// after neutralization.
	PreserveOriginal bool
}

// DefaultDefangConfig is intelligent mode with originals preserved.
var DefaultDefangConfig = DefangConfig{
	Mode:             DefangIntelligent,
	PreserveOriginal: true,
}

// Command classifications.
const (
	CommandSafe      = "safe"
	CommandModerate  = "moderate"
	CommandDangerous = "dangerous"
)

// CommandAnalysis describes what the defanger saw in a command.
type CommandAnalysis struct {
	Classification string   `json:"classification"`
	Indicators     []string `json:"indicators,omitempty"`
}

// Separator tokens. The legacy pipeline used the same set.
const (
	tokenSemicolon = "[SC]"
	tokenAnd       = "[AND]"
	tokenPipe      = "[PIPE]"
	tokenURL       = "[URL]"
)

var urlRE = regexp.MustCompile(`https?://[^\s"']+`)

// Verbs that get their teeth pulled in intelligent mode.
var verbDefang = map[string]string{
	"rm":    "rx",
	"dd":    "dx",
	"mkfs":  "mkxs",
	"shred": "shxed",
}

// AnalyzeCommand classifies a command string.
func AnalyzeCommand(cmd string) CommandAnalysis {
	if cmd == "" {
		return CommandAnalysis{Classification: CommandSafe}
	}
	var indicators []string
	for _, verb := range dangerousVerbs {
		if containsWord(cmd, verb) {
			indicators = append(indicators, "verb:"+verb)
		}
	}
	suspicious := false
	for _, pat := range suspiciousPatterns {
		if strings.Contains(cmd, pat) {
			indicators = append(indicators, "pattern:"+pat)
			suspicious = true
		}
	}
	switch {
	case len(indicators) > 0 && !onlyPatterns(indicators):
		return CommandAnalysis{Classification: CommandDangerous, Indicators: indicators}
	case suspicious:
		return CommandAnalysis{Classification: CommandModerate, Indicators: indicators}
	}
	return CommandAnalysis{Classification: CommandSafe}
}

func onlyPatterns(indicators []string) bool {
	for _, in := range indicators {
		if !strings.HasPrefix(in, "pattern:") {
			return false
		}
	}
	return true
}

// Defang neutralizes the command carried by the event, in place.
//
// The caller must risk-score the event before calling Defang: in
// non-preserving configurations the original command text is blanked.
func Defang(e *honeycore.Event, cfg DefangConfig) {
	cmd := e.Input
	if cmd == "" {
		return
	}
	e.Payload["input_hash"] = honeycore.DigestBytes([]byte(cmd)).String()

	if cfg.Mode == DefangLegacy {
		safe := urlRE.ReplaceAllString(cmd, tokenURL)
		safe = replaceSeparators(safe)
		e.Payload["input_safe"] = safe
		if cfg.PreserveOriginal {
			e.Payload["input_original"] = cmd
		} else {
			e.Payload["input"] = ""
		}
		return
	}

	analysis := AnalyzeCommand(cmd)
	e.Payload["command_analysis"] = map[string]any{
		"classification": analysis.Classification,
		"indicators":     toAny(analysis.Indicators),
	}
	if analysis.Classification == CommandSafe {
		return
	}

	safe := defangURLs(cmd)
	safe = replaceSeparators(safe)
	for verb, repl := range verbDefang {
		safe = replaceWord(safe, verb, repl)
	}
	e.Payload["input_safe"] = safe
	if cfg.PreserveOriginal {
		e.Payload["input_original"] = cmd
	} else {
		e.Payload["input"] = ""
		delete(e.Payload, "input_original")
	}
}

func defangURLs(s string) string {
	s = strings.ReplaceAll(s, "https://", "hxxps://")
	return strings.ReplaceAll(s, "http://", "hxxp://")
}

func replaceSeparators(s string) string {
	s = strings.ReplaceAll(s, "&&", tokenAnd)
	s = strings.ReplaceAll(s, ";", tokenSemicolon)
	return strings.ReplaceAll(s, "|", tokenPipe)
}

var wordRE = regexp.MustCompile(`[A-Za-z0-9_]+`)

func containsWord(s, word string) bool {
	found := false
	wordRE.ReplaceAllStringFunc(s, func(m string) string {
		if m == word {
			found = true
		}
		return m
	})
	return found
}

func replaceWord(s, word, repl string) string {
	return wordRE.ReplaceAllStringFunc(s, func(m string) string {
		if m == word {
			return repl
		}
		return m
	})
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
