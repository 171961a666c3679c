// Command dhcp4c runs the DHCPv4 client: it discovers, binds, and
// renews one leased address on a network interface, logging each bind
// and renewal until interrupted.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"gopkg.in/yaml.v3"

	"github.com/coredhcp-labs/dhcp4core/client"
	"github.com/coredhcp-labs/dhcp4core/internal/transport"
)

const (
	exitOK         = 0
	exitBadConfig  = 64
	exitBindFailed = 69
)

func main() {
	if len(os.Args) < 2 {
		log.Printf("Usage: %s <interface-name> [config.yaml]", os.Args[0])
		os.Exit(exitBadConfig)
	}
	ifaceName := os.Args[1]

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		log.Error("dhcp4c: interface %s: %v", ifaceName, err)
		os.Exit(exitBindFailed)
	}
	if len(iface.HardwareAddr) == 0 {
		log.Error("dhcp4c: interface %s has no hardware address", ifaceName)
		os.Exit(exitBindFailed)
	}

	var fc client.FileConfig
	if len(os.Args) >= 3 {
		loaded, err := loadConfig(os.Args[2])
		if err != nil {
			log.Error("dhcp4c: %v", err)
			os.Exit(exitBadConfig)
		}
		fc = *loaded
	}

	conf, err := fc.Resolve(iface.HardwareAddr)
	if err != nil {
		log.Error("dhcp4c: %v", err)
		os.Exit(exitBadConfig)
	}

	raw, err := transport.NewFilterConn(*iface, ":68")
	if err != nil {
		log.Error("dhcp4c: %v", err)
		os.Exit(exitBindFailed)
	}
	defer raw.Close()

	cl, err := client.New(raw, conf)
	if err != nil {
		log.Error("dhcp4c: %v", err)
		os.Exit(exitBadConfig)
	}
	cl.OnBound = func(l client.Lease) {
		log.Info("dhcp4c: bound %s (router %s, lease %s, T1 in %s)",
			l.Address, l.Router, l.Duration, time.Until(l.T1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cl.Run(ctx); err != nil {
			log.Error("dhcp4c: %v", err)
		}
	}()

	<-sig
	log.Info("dhcp4c: shutting down")
	cancel()
	<-done
	os.Exit(exitOK)
}

func loadConfig(path string) (*client.FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc client.FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}
