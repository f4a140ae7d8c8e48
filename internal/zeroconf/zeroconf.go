// Package zeroconf advertises the daemon's control API over mDNS/DNS-SD so
// the settings UI can find it on the local network.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of the control API.
const ServiceType = "_dspd._tcp"

// Service manages the mDNS registration.
type Service struct {
	name    string // instance name, usually the hostname
	port    int
	version string
	mock    bool
}

// New creates a Service advertising the API on port.
func New(name string, port int, version string, mock bool) *Service {
	return &Service{name: name, port: port, version: version, mock: mock}
}

// Records returns the TXT records published with the service.
func (s *Service) Records() []string {
	return []string{
		"version=" + s.version,
		"path=/api",
		"mock=" + strconv.FormatBool(s.mock),
	}
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters it.
func (s *Service) Start(ctx context.Context) error {
	txt := s.Records()
	server, err := zeroconf.Register(s.name, ServiceType, "local.", s.port, txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service", "name", s.name, "type", ServiceType, "port", s.port)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}

// PortFromAddr extracts the port of a listen address such as ":8080" or
// "127.0.0.1:8080".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("zeroconf: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("zeroconf: listen address %q has no usable port", addr)
	}
	return port, nil
}
