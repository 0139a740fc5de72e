package enrich

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/ipclass"
)

func TestIPClassifier(t *testing.T) {
	ctx := context.Background()
	p := &IPClassifier{Classifier: ipclass.New(ipclass.NewResidential())}

	got, err := p.Lookup(ctx, "192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		IPType     honeycore.IPType `json:"ip_type"`
		Confidence float64          `json:"confidence"`
	}
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.IPType != honeycore.IPUnknown || doc.Confidence != 0 {
		t.Errorf("unexpected classification: %+v", doc)
	}

	if _, err := p.Lookup(ctx, "not-an-ip"); err == nil {
		t.Error("expected error for unparsable address")
	}
}
