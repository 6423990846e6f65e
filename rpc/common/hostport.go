package common

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// HostPort
// --------------------------------------------------------------------------

// HostPort identifies a single cluster node (master or tablet server).
// It is used as the routing key for connections, so equality must not
// depend on how the address was spelled (IPv4 vs. IPv6 textual variants).
type HostPort struct {
	Host string
	Port uint16
}

// ParseHostPort parses "host", "host:port", "[v6]:port" etc. into a
// canonical HostPort. defaultPort is used when the input carries no port.
func ParseHostPort(s string, defaultPort uint16) (HostPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostPort{}, fmt.Errorf("empty endpoint address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port in the input - take the whole string as host
		host, portStr = s, ""
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return HostPort{}, fmt.Errorf("invalid port in endpoint %q: %v", s, err)
		}
		port = uint16(p)
	}

	return HostPort{Host: canonicalHost(host), Port: port}, nil
}

// ParseHostPorts parses a comma separated endpoint list.
func ParseHostPorts(s string, defaultPort uint16) ([]HostPort, error) {
	var hps []HostPort
	for _, part := range strings.Split(s, ",") {
		hp, err := ParseHostPort(part, defaultPort)
		if err != nil {
			return nil, err
		}
		hps = append(hps, hp)
	}
	return hps, nil
}

// canonicalHost normalizes the textual form of IP hosts so that two
// spellings of the same address compare equal ("127.000.000.001" and
// "127.0.0.1", "::ffff:10.0.0.1" and "10.0.0.1"). Non-IP hostnames are
// lowercased only.
func canonicalHost(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		// To4 collapses v4-mapped v6 addresses into dotted-quad form
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return strings.ToLower(host)
}

// String renders the endpoint in dialable "host:port" form.
func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

// Less orders endpoints by (host, port). Used to keep replica lists stable.
func (hp HostPort) Less(other HostPort) bool {
	if hp.Host != other.Host {
		return hp.Host < other.Host
	}
	return hp.Port < other.Port
}

// SortHostPorts sorts the slice in place by (host, port).
func SortHostPorts(hps []HostPort) {
	sort.Slice(hps, func(i, j int) bool { return hps[i].Less(hps[j]) })
}

// --------------------------------------------------------------------------
// Local interface addresses
// --------------------------------------------------------------------------

// LocalAddrs is an explicit snapshot of the local interface addresses.
// It is injected into the client configuration instead of living as hidden
// process global state; callers decide when Refresh is worth the syscall.
type LocalAddrs struct {
	addrs map[string]struct{}
}

// NewLocalAddrs resolves the current interface addresses. A resolution
// failure yields an empty (but usable) set.
func NewLocalAddrs() *LocalAddrs {
	l := &LocalAddrs{addrs: map[string]struct{}{}}
	l.Refresh()
	return l
}

// Refresh re-resolves the local interface addresses.
func (l *LocalAddrs) Refresh() {
	addrs := map[string]struct{}{}
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		Logger.Warningf("failed to resolve local interface addresses: %v", err)
	} else {
		for _, a := range ifAddrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				addrs[canonicalHost(ipNet.IP.String())] = struct{}{}
			}
		}
	}
	l.addrs = addrs
}

// IsLocal reports whether the host is a loopback address or one of the
// resolved local interface addresses.
func (l *LocalAddrs) IsLocal(host string) bool {
	host = canonicalHost(host)
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	_, ok := l.addrs[host]
	return ok
}
