package ipclass

import (
	"net/netip"
)

// prefixTrie is a binary trie over CIDR prefixes with longest-prefix
// match. Lookups walk at most one node per prefix bit, so they are
// logarithmic in the address width regardless of how many prefixes are
// loaded.
//
// The zero value is an empty trie. A trie holds either v4 or v6
// prefixes; the classifier keeps one of each.
type prefixTrie struct {
	root *trieNode
	n    int
}

type trieNode struct {
	child [2]*trieNode
	// value is non-empty when a prefix terminates here.
	value string
	set   bool
}

// Insert adds a prefix with an associated value. A duplicate prefix
// overwrites the previous value.
func (t *prefixTrie) Insert(p netip.Prefix, value string) {
	p = p.Masked()
	if t.root == nil {
		t.root = &trieNode{}
	}
	node := t.root
	addr := p.Addr().AsSlice()
	for i := 0; i < p.Bits(); i++ {
		b := bit(addr, i)
		if node.child[b] == nil {
			node.child[b] = &trieNode{}
		}
		node = node.child[b]
	}
	if !node.set {
		t.n++
	}
	node.value = value
	node.set = true
}

// Lookup returns the value of the longest prefix containing addr.
func (t *prefixTrie) Lookup(addr netip.Addr) (string, bool) {
	if t.root == nil {
		return "", false
	}
	var (
		best   string
		found  bool
		node   = t.root
		octets = addr.AsSlice()
	)
	for i := 0; ; i++ {
		if node.set {
			best, found = node.value, true
		}
		if i >= len(octets)*8 {
			break
		}
		next := node.child[bit(octets, i)]
		if next == nil {
			break
		}
		node = next
	}
	return best, found
}

// Len reports the number of stored prefixes.
func (t *prefixTrie) Len() int { return t.n }

func bit(addr []byte, i int) int {
	return int(addr[i/8]>>(7-i%8)) & 1
}
