package ipclass

import (
	"context"
	"regexp"
	"strings"

	"github.com/quay/honeycore"
)

var _ Matcher = (*Residential)(nil)

// AS-name heuristics. Strong patterns are words only access networks
// use about themselves; weak patterns appear on access networks but
// also on plenty of others, so they carry less confidence. Exclusions
// veto the whole heuristic: an AS that says "hosting" is not somebody's
// home line no matter what else the name says.
var (
	residentialStrong = []*regexp.Regexp{
		regexp.MustCompile(`telecom`),
		regexp.MustCompile(`broadband`),
		regexp.MustCompile(`cable`),
		regexp.MustCompile(`mobile`),
		regexp.MustCompile(`wireless`),
		regexp.MustCompile(`\bdsl\b`),
		regexp.MustCompile(`fiber|fibre`),
		regexp.MustCompile(`residential`),
		regexp.MustCompile(`\bisp\b`),
	}
	residentialWeak = []*regexp.Regexp{
		regexp.MustCompile(`communications`),
		regexp.MustCompile(`internet`),
		regexp.MustCompile(`\bnet\b`),
	}
	residentialExclude = []*regexp.Regexp{
		regexp.MustCompile(`hosting`),
		regexp.MustCompile(`datacenter|data center|datacentre`),
		regexp.MustCompile(`cloud`),
		regexp.MustCompile(`\bcdn\b`),
		regexp.MustCompile(`colo`),
		regexp.MustCompile(`\bvps\b`),
		regexp.MustCompile(`server`),
		regexp.MustCompile(`dedicated`),
	}
)

// Residential matches by AS name heuristics. It needs no downloaded
// data; the AS name arrives on the query, typically projected from
// DShield enrichment.
type Residential struct{}

// NewResidential returns a Residential matcher.
func NewResidential() *Residential { return &Residential{} }

// Name implements Matcher.
func (*Residential) Name() string { return "residential" }

// Refresh implements Matcher.
func (*Residential) Refresh(_ context.Context) error { return nil }

// Match implements Matcher.
func (*Residential) Match(q Query) (*Match, error) {
	name := strings.ToLower(strings.TrimSpace(q.ASName))
	if name == "" {
		return nil, ErrNoMatch
	}
	for _, re := range residentialExclude {
		if re.MatchString(name) {
			return nil, ErrNoMatch
		}
	}
	var strong int
	for _, re := range residentialStrong {
		if re.MatchString(name) {
			strong++
		}
	}
	confidence := 0.0
	switch {
	case strong >= 2:
		confidence = 0.8
	case strong == 1:
		confidence = 0.7
	default:
		for _, re := range residentialWeak {
			if re.MatchString(name) {
				confidence = 0.5
				break
			}
		}
	}
	if confidence == 0 {
		return nil, ErrNoMatch
	}
	return &Match{
		IPType:     honeycore.IPResidential,
		Provider:   "residential",
		Confidence: confidence,
		Source:     "as_name_patterns",
	}, nil
}
