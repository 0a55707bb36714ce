package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ResolveManifestPath returns the absolute manifest path, expanding a
// leading ~. It returns "" when no manifest is configured.
func ResolveManifestPath(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	path := strings.TrimSpace(cfg.Manifest.Path)
	switch {
	case path == "":
		return ""
	case path == "~" || strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// exposedAddr reports whether the listen address accepts connections from
// other hosts. Unparseable hosts count as exposed.
func exposedAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if strings.EqualFold(host, "localhost") {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}
