package ipclass

import (
	"net/netip"
	"testing"
)

func TestTrieLongestMatch(t *testing.T) {
	var tr prefixTrie
	tr.Insert(netip.MustParsePrefix("10.0.0.0/8"), "outer")
	tr.Insert(netip.MustParsePrefix("10.1.0.0/16"), "inner")
	tr.Insert(netip.MustParsePrefix("192.0.2.0/24"), "doc")

	tt := []struct {
		Addr  string
		Want  string
		Found bool
	}{
		{"10.2.3.4", "outer", true},
		{"10.1.3.4", "inner", true},
		{"192.0.2.255", "doc", true},
		{"192.0.3.1", "", false},
		{"198.51.100.1", "", false},
	}
	for _, tc := range tt {
		got, found := tr.Lookup(netip.MustParseAddr(tc.Addr))
		if found != tc.Found || got != tc.Want {
			t.Errorf("%s: got: (%q, %v), want: (%q, %v)", tc.Addr, got, found, tc.Want, tc.Found)
		}
	}
	if got := tr.Len(); got != 3 {
		t.Errorf("Len: got: %d, want: 3", got)
	}
}

func TestTrieOverwrite(t *testing.T) {
	var tr prefixTrie
	p := netip.MustParsePrefix("203.0.113.0/24")
	tr.Insert(p, "one")
	tr.Insert(p, "two")
	if got := tr.Len(); got != 1 {
		t.Errorf("Len: got: %d, want: 1", got)
	}
	got, _ := tr.Lookup(netip.MustParseAddr("203.0.113.9"))
	if got != "two" {
		t.Errorf("got: %q, want: %q", got, "two")
	}
}

func TestTrieV6(t *testing.T) {
	var tr prefixTrie
	tr.Insert(netip.MustParsePrefix("2001:db8::/32"), "doc6")
	got, found := tr.Lookup(netip.MustParseAddr("2001:db8::1"))
	if !found || got != "doc6" {
		t.Errorf("got: (%q, %v)", got, found)
	}
	if _, found := tr.Lookup(netip.MustParseAddr("2001:db9::1")); found {
		t.Error("unexpected match outside prefix")
	}
}

func TestTrieEmpty(t *testing.T) {
	var tr prefixTrie
	if _, found := tr.Lookup(netip.MustParseAddr("10.0.0.1")); found {
		t.Error("empty trie matched")
	}
}
