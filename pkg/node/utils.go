package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// NormalizePeers applies NormalizeHostPort to every non-empty address and
// drops self.
func NormalizePeers(addrs []string, self, defPort string) []string {
	self = NormalizeHostPort(self, defPort)
	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		hp := NormalizeHostPort(a, defPort)
		if hp == self || seen[hp] {
			continue
		}
		seen[hp] = true
		out = append(out, hp)
	}
	return out
}
