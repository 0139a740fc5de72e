package cowrie

import (
	"strings"

	"github.com/quay/honeycore"
)

// Risk scoring weights. The sum is clamped to [0, 100].
const (
	scoreCommandHint   = 20
	scoreDangerousVerb = 40
	scoreSuspicious    = 25
	scoreFileDownload  = 30

	// MaxRisk is the score ceiling.
	MaxRisk = 100
)

// DefaultQuarantineThreshold is the risk score at or above which an
// event is quarantined.
const DefaultQuarantineThreshold = 80

var dangerousVerbs = []string{
	"curl", "wget", "powershell", "dubious", "nc", "bash", "sh", "python", "perl",
}

var suspiciousPatterns = []string{
	"/tmp/", "http://", "https://", ";", "&&", "|",
}

// RiskScore computes the risk score for a decoded event.
func RiskScore(e *honeycore.Event) int {
	score := 0
	if e.IsCommand() {
		score += scoreCommandHint
	}
	if cmd := e.Input; cmd != "" {
		for _, verb := range dangerousVerbs {
			if strings.Contains(cmd, verb) {
				score += scoreDangerousVerb
				break
			}
		}
		for _, pat := range suspiciousPatterns {
			if strings.Contains(cmd, pat) {
				score += scoreSuspicious
				break
			}
		}
	}
	if e.EventID == "cowrie.session.file_download" {
		score += scoreFileDownload
	}
	if score > MaxRisk {
		score = MaxRisk
	}
	return score
}
