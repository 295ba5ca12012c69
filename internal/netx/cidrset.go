// Package netx resolves the client address of a request behind trusted
// proxies.
package netx

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// CIDRSet is an immutable list of networks. The zero value and nil contain
// nothing.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet accepts CIDRs and bare addresses (treated as /32 or /128).
// Blank entries are skipped.
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid trusted proxy %q", s)
			}
			addr = addr.Unmap()
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trusted proxy %q", s)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return set, nil
}

func (s *CIDRSet) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}
