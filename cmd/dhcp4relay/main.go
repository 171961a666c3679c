// Command dhcp4relay runs the DHCPv4 relay agent: it listens on a
// LAN-facing interface and forwards broadcast client traffic to a
// unicast upstream server, and routes replies back.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"gopkg.in/yaml.v3"

	"github.com/coredhcp-labs/dhcp4core/internal/transport"
	"github.com/coredhcp-labs/dhcp4core/relay"
)

const (
	exitOK         = 0
	exitBadConfig  = 64
	exitBindFailed = 69
)

func main() {
	if len(os.Args) < 2 {
		log.Printf("Usage: %s <config.yaml>", os.Args[0])
		os.Exit(exitBadConfig)
	}

	fc, err := loadConfig(os.Args[1])
	if err != nil {
		log.Error("dhcp4relay: %v", err)
		os.Exit(exitBadConfig)
	}

	conf, err := fc.Resolve()
	if err != nil {
		log.Error("dhcp4relay: %v", err)
		os.Exit(exitBadConfig)
	}

	iface, err := net.InterfaceByName(fc.InterfaceName)
	if err != nil {
		log.Error("dhcp4relay: interface %s: %v", fc.InterfaceName, err)
		os.Exit(exitBindFailed)
	}

	r, err := relay.New(conf)
	if err != nil {
		log.Error("dhcp4relay: %v", err)
		os.Exit(exitBadConfig)
	}

	conn, err := transport.NewFilterConn(*iface, ":67")
	if err != nil {
		log.Error("dhcp4relay: %v", err)
		os.Exit(exitBindFailed)
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				log.Debug("dhcp4relay: read error: %v", err)
				return
			}
			r.HandlePacket(conn, append([]byte(nil), buf[:n]...))
		}
	}()

	log.Info("dhcp4relay: forwarding %s -> %s", fc.InterfaceName, fc.ServerAddr)
	<-sig
	log.Info("dhcp4relay: shutting down")
	conn.Close()
	<-done
	os.Exit(exitOK)
}

func loadConfig(path string) (*relay.FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc relay.FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}
