package federation

import (
	"fmt"
	"sort"
	"strings"
)

// Address is a federated mailbox address of the form handle@host.
// Examples:
//   - alex@relay.example.org
//   - relay@beta.example (system mailbox)
type Address struct {
	Local string // alex
	Host  string // relay.example.org, always lower case
}

// ParseAddress parses "handle@host". Exactly one @ is required and both
// sides must be non-empty. The host is lower-cased; the handle keeps its case.
func ParseAddress(addr string) (Address, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("invalid address %q: must contain exactly one @ symbol", addr)
	}
	if parts[0] == "" {
		return Address{}, fmt.Errorf("invalid address %q: handle cannot be empty", addr)
	}
	if parts[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: host cannot be empty", addr)
	}
	if strings.ContainsAny(parts[1], "/ ") {
		return Address{}, fmt.Errorf("invalid address %q: host must be a bare hostname", addr)
	}

	return Address{Local: parts[0], Host: strings.ToLower(parts[1])}, nil
}

func (a Address) String() string {
	return a.Local + "@" + a.Host
}

// IsLocal reports whether the address belongs to host.
func (a Address) IsLocal(host string) bool {
	return a.Host == strings.ToLower(host)
}

// HostOf returns the lower-cased host of addr, or "" if addr does not parse.
func HostOf(addr string) string {
	a, err := ParseAddress(addr)
	if err != nil {
		return ""
	}
	return a.Host
}

// GroupByHost partitions addresses by destination host. Addresses keep their
// input order within a host and duplicates are dropped.
func GroupByHost(addrs []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	seen := make(map[string]bool)
	for _, raw := range addrs {
		a, err := ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		s := a.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		groups[a.Host] = append(groups[a.Host], s)
	}
	return groups, nil
}

// SplitLocal separates addresses on localHost from everything else.
// Unparseable addresses are returned in invalid.
func SplitLocal(addrs []string, localHost string) (local []Address, remote []Address, invalid []string) {
	for _, raw := range addrs {
		a, err := ParseAddress(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if a.IsLocal(localHost) {
			local = append(local, a)
		} else {
			remote = append(remote, a)
		}
	}
	return local, remote, invalid
}

// Hosts returns the keys of a GroupByHost result in sorted order.
func Hosts(groups map[string][]string) []string {
	hosts := make([]string, 0, len(groups))
	for h := range groups {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
