package supervisor

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/zelan-stream/zelan/pkg/models"
)

// probeTimeout bounds the pre-flight port probe. The probe targets
// loopback, so anything slower than this means nobody is listening.
const probeTimeout = 250 * time.Millisecond

// declaredPorts collects every local port a process spec claims: the
// explicit ports list, env.PORT, and the port of its health-check target.
func declaredPorts(spec *models.ProcessSpec) []int {
	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if p > 0 && p <= 65535 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	for _, p := range spec.Ports {
		add(p)
	}
	if raw, ok := spec.Env["PORT"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			add(p)
		}
	}
	if hc := spec.HealthCheck; hc != nil {
		switch hc.Kind {
		case models.HealthCheckHTTP:
			if u, err := url.Parse(hc.URL); err == nil {
				if p, err := strconv.Atoi(u.Port()); err == nil {
					add(p)
				}
			}
		case models.HealthCheckTCP:
			if _, portStr, err := net.SplitHostPort(hc.Addr); err == nil {
				if p, err := strconv.Atoi(portStr); err == nil {
					add(p)
				}
			}
		}
	}
	return ports
}

// portBound reports whether something already accepts connections on the
// local port. Spawning a second server that silently loses the bind race
// creates undebuggable ghosts, so Start refuses up front.
func portBound(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
