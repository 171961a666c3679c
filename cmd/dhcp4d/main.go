// Command dhcp4d runs the DHCPv4 server: it loads a YAML configuration
// file, serves on UDP port 67, and shuts down cooperatively on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/net/ipv4"
	"gopkg.in/yaml.v3"

	"github.com/coredhcp-labs/dhcp4core/internal/transport"
	"github.com/coredhcp-labs/dhcp4core/server"
)

// Exit codes per the module's external interface: 0 on clean shutdown,
// non-zero on bind failure, socket creation failure, or config error.
const (
	exitOK         = 0
	exitBadConfig  = 64
	exitBindFailed = 69
)

func main() {
	if len(os.Args) < 3 {
		log.Printf("Usage: %s <config.yaml> <interface-name>", os.Args[0])
		os.Exit(exitBadConfig)
	}

	conf, err := loadConfig(os.Args[1])
	if err != nil {
		log.Error("dhcp4d: %v", err)
		os.Exit(exitBadConfig)
	}
	conf.InterfaceName = os.Args[2]

	h, err := server.NewHandler(*conf)
	if err != nil {
		log.Error("dhcp4d: %v", err)
		os.Exit(exitBadConfig)
	}

	iface, err := net.InterfaceByName(conf.InterfaceName)
	if err != nil {
		log.Error("dhcp4d: interface %s: %v", conf.InterfaceName, err)
		os.Exit(exitBindFailed)
	}

	raw, err := transport.NewBroadcastConn(net.IPv4zero, 67, conf.InterfaceName)
	if err != nil {
		log.Error("dhcp4d: %v", err)
		os.Exit(exitBindFailed)
	}
	conn := &packetConnAdapter{raw: raw, iface: *iface}

	ctx, cancel := context.WithCancel(context.Background())
	go h.RunSweeper(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go serveLoop(ctx, h, conn, done)

	log.Info("dhcp4d: listening on %s:67", conf.InterfaceName)
	<-sig
	log.Info("dhcp4d: shutting down")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Info("dhcp4d: drain deadline exceeded, exiting anyway")
	}

	os.Exit(exitOK)
}

func serveLoop(ctx context.Context, h *server.Handler, conn *packetConnAdapter, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("dhcp4d: read error: %v", err)
			continue
		}
		h.HandlePacket(conn, addr, append([]byte(nil), buf[:n]...))
	}
}

func loadConfig(path string) (*server.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c server.Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// packetConnAdapter narrows internal/transport's ipv4.PacketConn-based
// broadcast socket (whose ReadFrom also reports a control message) down
// to the plain ReadFrom/WriteTo contract server.Handler expects. The
// socket is already bound to a single interface via SO_BINDTODEVICE, so
// the control message itself carries no information the handler needs.
type packetConnAdapter struct {
	raw   *ipv4.PacketConn
	iface net.Interface
}

func (a *packetConnAdapter) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, addr, err := a.raw.ReadFrom(b)
	return n, addr, err
}

func (a *packetConnAdapter) WriteTo(b []byte, addr net.Addr) (int, error) {
	return a.raw.WriteTo(b, nil, addr)
}
