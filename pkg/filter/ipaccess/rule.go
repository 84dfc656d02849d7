// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipaccess

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"net/netip"

	perrors "github.com/edgemux/edgemux/pkg/errors"
)

type ruleKind int

const (
	ruleSingle ruleKind = iota
	ruleCIDRv4
	ruleCIDRv6
)

// Rule is one parsed address rule: a single address or a CIDR range.
// Rules are immutable once parsed and shared read-only across all
// connections of a filter chain.
type Rule struct {
	kind ruleKind

	addr netip.Addr // ruleSingle

	net4      uint32   // ruleCIDRv4
	net6      [16]byte // ruleCIDRv6
	prefixLen int
}

// ParseRule parses "addr" or "addr/prefix" into a Rule. The prefix length
// is bounded by the bit width of the address family that parsed: 0-32 for
// IPv4-shaped addresses, 0-128 for IPv6-shaped.
func ParseRule(s string) (Rule, error) {
	ipStr, prefixStr, slashed := strings.Cut(s, "/")
	if !slashed {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: address %q", perrors.ErrMalformed, s)
		}
		return Rule{kind: ruleSingle, addr: addr}, nil
	}

	prefixLen, err := strconv.Atoi(prefixStr)
	if err != nil || prefixLen < 0 {
		return Rule{}, fmt.Errorf("%w: prefix length %q", perrors.ErrMalformed, prefixStr)
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: address %q", perrors.ErrMalformed, ipStr)
	}

	if addr.Is4() {
		if prefixLen > 32 {
			return Rule{}, fmt.Errorf("%w: prefix /%d exceeds 32 bits", perrors.ErrMalformed, prefixLen)
		}
		a4 := addr.As4()
		return Rule{
			kind:      ruleCIDRv4,
			net4:      binary.BigEndian.Uint32(a4[:]),
			prefixLen: prefixLen,
		}, nil
	}

	if prefixLen > 128 {
		return Rule{}, fmt.Errorf("%w: prefix /%d exceeds 128 bits", perrors.ErrMalformed, prefixLen)
	}
	return Rule{
		kind:      ruleCIDRv6,
		net6:      addr.As16(),
		prefixLen: prefixLen,
	}, nil
}

// Matches reports whether ip falls under this rule. Cross-family
// comparisons never match.
func (r Rule) Matches(ip netip.Addr) bool {
	switch r.kind {
	case ruleSingle:
		return r.addr == ip

	case ruleCIDRv4:
		if !ip.Is4() {
			return false
		}
		a4 := ip.As4()
		mask := v4Mask(r.prefixLen)
		return binary.BigEndian.Uint32(a4[:])&mask == r.net4&mask

	case ruleCIDRv6:
		if !ip.Is6() {
			return false
		}
		a16 := ip.As16()
		return maskedEqual(a16, r.net6, r.prefixLen)

	default:
		return false
	}
}

// v4Mask returns the all-ones-shifted mask for a prefix length; the
// degenerate /0 mask is all-zero and matches every address.
func v4Mask(prefixLen int) uint32 {
	if prefixLen == 0 {
		return 0
	}
	return ^uint32(0) << (32 - prefixLen)
}

// maskedEqual compares two 128-bit addresses on their top prefixLen bits.
func maskedEqual(a, b [16]byte, prefixLen int) bool {
	whole := prefixLen / 8
	for i := 0; i < whole; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if rest := prefixLen % 8; rest != 0 {
		mask := byte(0xff) << (8 - rest)
		return a[whole]&mask == b[whole]&mask
	}
	return true
}
