package remote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidHost marks a host specification that cannot be parsed.
var ErrInvalidHost = errors.New("invalid host")

// Host identifies a worker machine and the account commands run as.
type Host struct {
	Addr string
	Port int
	User string
}

// String renders the host as user@addr, the form used in logs.
func (h Host) String() string {
	if h.Port != 0 && h.Port != 22 {
		return h.User + "@" + net.JoinHostPort(h.Addr, strconv.Itoa(h.Port))
	}
	return h.User + "@" + h.Addr
}

// Address returns the dialable host:port pair.
func (h Host) Address() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Addr, strconv.Itoa(port))
}

// ParseHost accepts "addr", "user@addr", "addr:port" or "user@[v6]:port".
// Missing parts fall back to defUser and defPort.
func ParseHost(spec, defUser string, defPort int) (Host, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Host{}, fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	h := Host{User: defUser, Port: defPort}
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		h.User = spec[:at]
		spec = spec[at+1:]
		if h.User == "" {
			return Host{}, fmt.Errorf("%w: empty user in %q", ErrInvalidHost, spec)
		}
	}
	addr, port, err := net.SplitHostPort(spec)
	switch {
	case err == nil:
		p, perr := strconv.Atoi(port)
		if perr != nil || p <= 0 || p > 65535 {
			return Host{}, fmt.Errorf("%w: bad port in %q", ErrInvalidHost, spec)
		}
		h.Addr, h.Port = addr, p
	case strings.Count(spec, ":") > 1 || !strings.Contains(spec, ":"):
		// bare name or bare IPv6 literal
		h.Addr = strings.Trim(spec, "[]")
	default:
		return Host{}, fmt.Errorf("%w: %q: %v", ErrInvalidHost, spec, err)
	}
	if h.Addr == "" {
		return Host{}, fmt.Errorf("%w: empty address", ErrInvalidHost)
	}
	if h.User == "" {
		return Host{}, fmt.Errorf("%w: no user for %q", ErrInvalidHost, h.Addr)
	}
	return h, nil
}

// ParseHosts parses every spec and rejects duplicates.
func ParseHosts(specs []string, defUser string, defPort int) ([]Host, error) {
	hosts := make([]Host, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		h, err := ParseHost(spec, defUser, defPort)
		if err != nil {
			return nil, err
		}
		key := h.Address()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate host %s", ErrInvalidHost, key)
		}
		seen[key] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
