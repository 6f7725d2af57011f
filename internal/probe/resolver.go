package probe

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"fleetwatch/internal/model"
)

// Bases holds the candidate base URLs for one node. Empty means unavailable.
type Bases struct {
	// Primary is the agent sidecar endpoint, probed first for /connections.
	Primary string
	// Fallback is the node's own API base, walked with the candidate paths.
	Fallback string
}

// Resolver turns the partial address information reported by the control
// plane into base URLs.
type Resolver struct {
	agentPort   int
	agentScheme string
}

func NewResolver(agentPort int, agentScheme string) Resolver {
	agentScheme = strings.ToLower(strings.TrimSpace(agentScheme))
	if agentScheme == "" {
		agentScheme = "http"
	}
	if agentPort < 0 {
		agentPort = 0
	}
	return Resolver{agentPort: agentPort, agentScheme: agentScheme}
}

func (r Resolver) Resolve(node model.Node) Bases {
	raw := strings.TrimSpace(node.Address)
	if raw == "" {
		raw = strings.TrimSpace(node.Name)
	}
	if raw == "" {
		return Bases{}
	}

	addr, ok := parseAddress(raw)
	if !ok {
		return Bases{}
	}

	return Bases{
		Primary:  r.agentBase(addr, node.APIPort),
		Fallback: r.nodeBase(addr, node.APIPort),
	}
}

// agentBase is {scheme}://{host}:{agent port or api port}. The address's own
// scheme wins over the configured agent scheme.
func (r Resolver) agentBase(addr address, apiPort int) string {
	scheme := r.agentScheme
	if addr.scheme != "" {
		scheme = addr.scheme
	}

	port := addr.port
	switch {
	case r.agentPort > 0:
		port = strconv.Itoa(r.agentPort)
	case apiPort > 0:
		port = strconv.Itoa(apiPort)
	}

	return joinBase(scheme, addr.host, port, "")
}

// nodeBase keeps an address that already names a scheme and port as-is,
// otherwise fills the port from api_port, then the agent port.
func (r Resolver) nodeBase(addr address, apiPort int) string {
	port := addr.port
	if port == "" {
		switch {
		case apiPort > 0:
			port = strconv.Itoa(apiPort)
		case r.agentPort > 0:
			port = strconv.Itoa(r.agentPort)
		}
	}

	if addr.scheme != "" {
		return joinBase(addr.scheme, addr.host, port, addr.path)
	}
	return joinBase("http", addr.host, port, "")
}

type address struct {
	scheme string
	host   string
	port   string
	path   string
}

func parseAddress(raw string) (address, bool) {
	lower := strings.ToLower(raw)
	hasScheme := strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")

	target := raw
	if !hasScheme {
		if ip := net.ParseIP(raw); ip != nil && strings.Contains(raw, ":") {
			target = "http://[" + raw + "]"
		} else {
			target = "http://" + raw
		}
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return address{}, false
	}

	out := address{
		host: u.Hostname(),
		port: u.Port(),
		path: strings.TrimRight(u.EscapedPath(), "/"),
	}
	if hasScheme {
		out.scheme = strings.ToLower(u.Scheme)
	}
	return out, true
}

func joinBase(scheme, host, port, path string) string {
	hostPort := host
	if port != "" {
		hostPort = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		hostPort = "[" + host + "]"
	}
	return scheme + "://" + hostPort + path
}
