package netutil

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// BasePort is the first port of the default port range; process n listens
// on BasePort+n unless configured otherwise.
const BasePort = 8000

// Peer is one entry of a peer list.
type Peer struct {
	ID   int
	Addr string
}

func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

func FormatAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// DefaultListenAddr is the address process id binds when none is configured.
func DefaultListenAddr(id int) string {
	return FormatAddress("", BasePort+id)
}

// ResolveUDP4 validates and resolves a host:port pair.
func ResolveUDP4(addr string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q", addr)
	}
	if err := ValidatePort(port); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.ResolveUDPAddr("udp4", FormatAddress(host, port))
}

// ParsePeers parses "1=127.0.0.1:8001,2=127.0.0.1:8002". Entries without an
// address ("3") get the default port on the loopback interface.
func ParsePeers(s string) ([]Peer, error) {
	var out []Peer
	seen := make(map[int]bool)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idStr, addr, hasAddr := strings.Cut(entry, "=")
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid peer id in %q", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate peer id %d", id)
		}
		seen[id] = true

		addr = strings.TrimSpace(addr)
		if !hasAddr || addr == "" {
			addr = FormatAddress("127.0.0.1", BasePort+id)
		}
		if _, err := ResolveUDP4(addr); err != nil {
			return nil, err
		}
		out = append(out, Peer{ID: id, Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
