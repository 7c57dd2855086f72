package registry

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/rs/zerolog"
)

// MappingRule rewrites a server's externally-visible address when it is
// emitted to a client. A zero FromPort means "wildcard port": the rule
// applies to any source port on FromAddr. A zero ToPort keeps the server's
// own port when the rule is applied; a non-zero ToPort replaces it.
type MappingRule struct {
	FromAddr netip.Addr
	FromPort uint16
	ToAddr   netip.Addr
	ToPort   uint16
}

// AddressMap is the ordered list of address-mapping rules. Rules may only
// be added during initialisation; after Freeze is called, AddRule is
// rejected.
type AddressMap struct {
	rules  []MappingRule
	frozen bool
	log    zerolog.Logger
}

// NewAddressMap constructs an empty table. log is used only to warn on
// rule overwrites during initialisation.
func NewAddressMap(log zerolog.Logger) *AddressMap {
	return &AddressMap{log: log}
}

// AddRule inserts a resolved mapping rule, sorted by (FromAddr, FromPort)
// ascending, overwriting any existing rule with the same key (with a
// warning). It is rejected once the table has been frozen.
func (m *AddressMap) AddRule(rule MappingRule) error {
	if m.frozen {
		return fmt.Errorf("registry: address map is frozen, rejecting rule for %s", rule.FromAddr)
	}
	if rule.FromAddr == (netip.Addr{}) || rule.FromAddr.IsUnspecified() {
		return fmt.Errorf("registry: address map rejects unspecified from-address")
	}
	if rule.ToAddr == (netip.Addr{}) || rule.ToAddr.IsUnspecified() {
		return fmt.Errorf("registry: address map rejects unspecified to-address")
	}
	if rule.ToAddr.IsLoopback() {
		return fmt.Errorf("registry: address map rejects loopback to-address %s", rule.ToAddr)
	}

	idx := sort.Search(len(m.rules), func(i int) bool {
		return !ruleLess(m.rules[i], rule)
	})

	if idx < len(m.rules) && ruleEqualKey(rule, m.rules[idx]) {
		m.log.Warn().
			Str("from", fmt.Sprintf("%s:%d", rule.FromAddr, rule.FromPort)).
			Msg("overwriting existing address mapping rule")
		m.rules[idx] = rule
		return nil
	}

	m.rules = append(m.rules, MappingRule{})
	copy(m.rules[idx+1:], m.rules[idx:])
	m.rules[idx] = rule
	return nil
}

// Freeze stops further rule insertion; called once initialisation (config
// loading) completes.
func (m *AddressMap) Freeze() { m.frozen = true }

func ruleLess(a, b MappingRule) bool {
	if a.FromAddr != b.FromAddr {
		return lessAddr(a.FromAddr, b.FromAddr)
	}
	return a.FromPort < b.FromPort
}

func ruleEqualKey(a, b MappingRule) bool {
	return a.FromAddr == b.FromAddr && a.FromPort == b.FromPort
}

func lessAddr(a, b netip.Addr) bool {
	ab, bb := a.As16(), b.As16()
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}

// Lookup returns the exact-port rule for peer if one exists; otherwise the
// wildcard-port rule for peer's address, if any; otherwise absent.
func (m *AddressMap) Lookup(peer netip.AddrPort) (MappingRule, bool) {
	addr := peer.Addr().Unmap()
	port := peer.Port()

	var wildcard *MappingRule
	// rules are sorted by (addr, port) ascending; wildcard (port 0) for a
	// given address always sorts before its exact-port siblings.
	for i := range m.rules {
		r := &m.rules[i]
		if r.FromAddr != addr {
			continue
		}
		if r.FromPort == port {
			return *r, true
		}
		if r.FromPort == 0 {
			wildcard = r
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return MappingRule{}, false
}

// Resolve applies a matched rule to addr/port, substituting the IP always
// and the port only when the rule's ToPort is non-zero.
func (r MappingRule) Resolve(port uint16) (netip.Addr, uint16) {
	if r.ToPort != 0 {
		return r.ToAddr, r.ToPort
	}
	return r.ToAddr, port
}
