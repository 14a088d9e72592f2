package resolver

import (
	"net"
	"os"
	"strconv"
	"strings"

	"provlink/internal/cache"
)

// Strategy yields candidate origins in priority order
type Strategy interface {
	// Name identifies the strategy in logs and metrics
	Name() string
	// Candidates returns origins such as "http://10.0.2.2:8000"; may be empty
	Candidates() []string
}

// Explicit returns a fixed configured origin
type Explicit struct {
	Origin string
}

func (s Explicit) Name() string { return "explicit" }

func (s Explicit) Candidates() []string {
	if s.Origin == "" {
		return nil
	}
	return []string{normalizeOrigin(s.Origin)}
}

// Env reads an origin from an environment variable at resolution time
type Env struct {
	Variable string
}

func (s Env) Name() string { return "environment" }

func (s Env) Candidates() []string {
	if s.Variable == "" {
		return nil
	}
	v := strings.TrimSpace(os.Getenv(s.Variable))
	if v == "" {
		return nil
	}
	return []string{normalizeOrigin(v)}
}

// LastKnownGood returns the origin that answered most recently, if remembered
type LastKnownGood struct {
	Cache cache.Cache
	Key   string
}

func (s LastKnownGood) Name() string { return "last_known_good" }

func (s LastKnownGood) Candidates() []string {
	if s.Cache == nil {
		return nil
	}
	if v, ok := s.Cache.Get(s.Key); ok {
		return []string{v}
	}
	return nil
}

// Platform returns the loopback addresses an emulator or simulator uses to reach the host
type Platform struct {
	Platform string
	Port     int
}

func (s Platform) Name() string { return "platform" }

func (s Platform) Candidates() []string {
	var hosts []string
	switch s.Platform {
	case "android":
		// 10.0.2.2 is the stock emulator alias for the host, 10.0.3.2 is Genymotion's
		hosts = []string{"10.0.2.2", "10.0.3.2"}
	default:
		hosts = []string{"127.0.0.1"}
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, originFor(h, s.Port))
	}
	return out
}

// LAN returns known developer machine addresses on the local network
type LAN struct {
	Addresses []string
	Port      int
}

func (s LAN) Name() string { return "lan" }

func (s LAN) Candidates() []string {
	out := make([]string, 0, len(s.Addresses))
	for _, addr := range s.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if strings.Contains(addr, "://") {
			out = append(out, normalizeOrigin(addr))
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err == nil {
			out = append(out, "http://"+addr)
			continue
		}
		out = append(out, originFor(addr, s.Port))
	}
	return out
}

// Localhost is the lowest-priority candidate and also the fallback when nothing answers
type Localhost struct {
	Port int
}

func (s Localhost) Name() string { return "localhost" }

func (s Localhost) Candidates() []string {
	return []string{originFor("localhost", s.Port)}
}

func originFor(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}
