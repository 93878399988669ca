package dispatch

import (
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/playbook"
)

// Request is one play to run against Hosts.
type Request struct {
	Play  *playbook.Play
	Hosts []string
}

// Split partitions req.Hosts into the hosts isLocal accepts and the rest.
// Both partitions keep the order of req.Hosts and share req.Play.
func Split(req Request, isLocal func(host string) bool) (local, remote Request) {
	local = Request{Play: req.Play}
	remote = Request{Play: req.Play}
	for _, h := range req.Hosts {
		if isLocal(h) {
			local.Hosts = append(local.Hosts, h)
		} else {
			remote.Hosts = append(remote.Hosts, h)
		}
	}
	return local, remote
}

// LocalMatcher decides which hosts run directly on the control point.
type LocalMatcher struct {
	ControlPoint string
	Aliases      []string
	// Connection returns a host's resolved ansible_connection. Optional.
	Connection func(host string) string
}

// IsLocal reports whether host is the control point, one of its aliases, or
// a host whose connection is forced to local.
func (m LocalMatcher) IsLocal(host string) bool {
	if host == m.ControlPoint {
		return true
	}
	for _, a := range m.Aliases {
		if host == a {
			return true
		}
	}
	if m.Connection != nil && strings.EqualFold(m.Connection(host), "local") {
		return true
	}
	return false
}
