// Package config resolves CLI flags and an optional YAML file into the
// fully-resolved configuration values the registry core consumes.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AddressMapSpec is a single "from=to" rewrite rule as written in a config
// file or --address-map flag, before DNS resolution.
type AddressMapSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Config is the fully-resolved set of daemon options.
type Config struct {
	HashBits        uint             `yaml:"hash_bits"`
	MaxServers      int              `yaml:"max_servers"`
	MaxPerAddress   int              `yaml:"max_per_address"`
	ListenAddresses []string         `yaml:"listen_addresses"`
	DefaultPort     uint16           `yaml:"default_port"`
	AllowLoopback   bool             `yaml:"allow_loopback"`
	AddressMaps     []AddressMapSpec `yaml:"address_maps"`
	MetricsAddr     string           `yaml:"metrics_addr"`
	LogLevel        string           `yaml:"log_level"`
}

// Default returns the configuration's compiled-in baseline values.
func Default() Config {
	return Config{
		HashBits:        6,
		MaxServers:      2048,
		MaxPerAddress:   0,
		ListenAddresses: []string{":27950"},
		DefaultPort:     27950,
		AllowLoopback:   false,
		LogLevel:        "info",
	}
}

// LoadFile merges a YAML config file's contents into cfg. Missing file
// fields leave cfg's existing values untouched.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ResolvedAddressMap is one address_maps entry after DNS resolution, ready
// to hand to registry.AddressMap.AddRule.
type ResolvedAddressMap struct {
	FromAddr netip.Addr
	FromPort uint16
	ToAddr   netip.Addr
	ToPort   uint16
}

// ResolveAddressMaps resolves every configured address_maps entry to
// numeric addresses, using resolver for any hostname literal, so the
// registry core never sees unresolved names.
func ResolveAddressMaps(specs []AddressMapSpec, resolver *dns.Client, nameserver string, log zerolog.Logger) ([]ResolvedAddressMap, error) {
	out := make([]ResolvedAddressMap, 0, len(specs))
	for _, spec := range specs {
		fromAddr, fromPort, err := resolveLiteral(spec.From, resolver, nameserver, log)
		if err != nil {
			return nil, fmt.Errorf("config: resolve address map from=%q: %w", spec.From, err)
		}
		toAddr, toPort, err := resolveLiteral(spec.To, resolver, nameserver, log)
		if err != nil {
			return nil, fmt.Errorf("config: resolve address map to=%q: %w", spec.To, err)
		}
		out = append(out, ResolvedAddressMap{
			FromAddr: fromAddr,
			FromPort: fromPort,
			ToAddr:   toAddr,
			ToPort:   toPort,
		})
	}
	return out, nil
}

// resolveLiteral splits "host[:port]", resolving host via DNS (A/AAAA) if
// it does not already parse as a numeric address. A missing port yields
// port 0, the wildcard-port marker a mapping rule's zero port means.
func resolveLiteral(literal string, resolver *dns.Client, nameserver string, log zerolog.Logger) (netip.Addr, uint16, error) {
	host, portStr, hasPort := splitHostPort(literal)

	var port uint16
	if hasPort {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return netip.Addr{}, 0, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		port = uint16(p)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, port, nil
	}

	addr, err := resolveHostname(host, resolver, nameserver, log)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, port, nil
}

// splitHostPort splits "host:port" or "[ipv6]:port", falling back to
// treating the whole literal as a bare host (numeric or hostname) when it
// carries no port — including an unbracketed bare IPv6 address.
func splitHostPort(literal string) (host string, port string, hasPort bool) {
	if h, p, err := net.SplitHostPort(literal); err == nil {
		return h, p, true
	}
	return literal, "", false
}

// resolveHostname queries nameserver directly via miekg/dns. An empty
// nameserver means the first server listed in /etc/resolv.conf.
func resolveHostname(host string, resolver *dns.Client, nameserver string, log zerolog.Logger) (netip.Addr, error) {
	fqdn := dns.Fqdn(host)

	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return netip.Addr{}, fmt.Errorf("config: read /etc/resolv.conf: %w", err)
		}
		if len(conf.Servers) > 0 {
			nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)

		resp, _, err := resolver.Exchange(msg, nameserver)
		if err != nil {
			log.Warn().Str("host", host).Err(err).Msg("address map DNS resolution failed")
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					return addr, nil
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
					return addr, nil
				}
			}
		}
	}

	return netip.Addr{}, fmt.Errorf("config: could not resolve %q", host)
}
