package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NormalizeListenAddr accepts a bare port ("5000"), ":5000" or "host:5000" and returns
// an address suitable for net.Listen.
func NormalizeListenAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("listen address must not be empty")
	}

	if !strings.Contains(addr, ":") {
		if err := validatePort(addr); err != nil {
			return "", err
		}
		return ":" + addr, nil
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if err := validatePort(port); err != nil {
		return "", err
	}
	return addr, nil
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", n)
	}
	return nil
}
