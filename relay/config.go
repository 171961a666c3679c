package relay

import (
	"fmt"
	"net"
)

// FileConfig is the on-disk form of Config, loaded from YAML by the
// cmd/dhcp4relay entry point, following server.Config's string-fields-
// then-resolve convention.
type FileConfig struct {
	InterfaceName string `yaml:"interface_name"`
	ServerAddr    string `yaml:"server_addr"`
	RelayAddr     string `yaml:"relay_addr"`
}

func parseIPv4(text string) (net.IP, error) {
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, fmt.Errorf("relay: %q is not an IP address", text)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("relay: %q is not an IPv4 address", text)
	}
	return v4, nil
}

// Resolve validates fc and converts it to a Config.
func (fc FileConfig) Resolve() (Config, error) {
	server, err := parseIPv4(fc.ServerAddr)
	if err != nil {
		return Config{}, err
	}
	relayAddr, err := parseIPv4(fc.RelayAddr)
	if err != nil {
		return Config{}, err
	}
	return Config{ServerAddr: server, RelayAddr: relayAddr}, nil
}
