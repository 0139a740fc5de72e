package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/quay/honeycore/ipclass"
)

var _ Provider = (*IPClassifier)(nil)

// IPClassifier adapts the classifier into the provider set, so
// classification results flow through the same cache and merge into
// the same enrichment document as the remote services.
type IPClassifier struct {
	Classifier *ipclass.Classifier
}

// Name implements Provider.
func (*IPClassifier) Name() string { return "ip_classification" }

// Kind implements Provider.
func (*IPClassifier) Kind() Kind { return KindIP }

// Lookup implements Provider.
func (p *IPClassifier) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	return p.lookupHinted(ctx, ip, nil, "")
}

// lookupHinted classifies with optional AS details from the remote
// providers. The hints feed the residential heuristics, which have
// nothing to go on for addresses the prefix lists miss.
func (p *IPClassifier) lookupHinted(ctx context.Context, ip string, asn *int64, asName string) (json.RawMessage, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("ip_classification: %w", err)
	}
	c, err := p.Classifier.Classify(ctx, ipclass.Query{Addr: addr, ASN: asn, ASName: asName})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}
