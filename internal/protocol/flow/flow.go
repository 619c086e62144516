// Package flow defines the directional conversation identity shared by the
// segment and chunk reassemblers.
package flow

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Key identifies one direction of a transport conversation.
type Key struct {
	Net       gopacket.Flow
	Transport gopacket.Flow
}

// NewTCP builds the key for TCP bytes travelling from src to dst.
func NewTCP(src, dst netip.AddrPort) (Key, error) {
	netFlow, err := gopacket.FlowFromEndpoints(
		layers.NewIPEndpoint(net.IP(src.Addr().Unmap().AsSlice())),
		layers.NewIPEndpoint(net.IP(dst.Addr().Unmap().AsSlice())),
	)
	if err != nil {
		return Key{}, fmt.Errorf("flow: %s -> %s: %w", src, dst, err)
	}
	tcpFlow, err := gopacket.FlowFromEndpoints(
		layers.NewTCPPortEndpoint(layers.TCPPort(src.Port())),
		layers.NewTCPPortEndpoint(layers.TCPPort(dst.Port())),
	)
	if err != nil {
		return Key{}, fmt.Errorf("flow: %s -> %s: %w", src, dst, err)
	}
	return Key{Net: netFlow, Transport: tcpFlow}, nil
}

// ParseTCP is NewTCP for "host:port" strings.
func ParseTCP(src, dst string) (Key, error) {
	s, err := netip.ParseAddrPort(src)
	if err != nil {
		return Key{}, fmt.Errorf("flow: source: %w", err)
	}
	d, err := netip.ParseAddrPort(dst)
	if err != nil {
		return Key{}, fmt.Errorf("flow: destination: %w", err)
	}
	return NewTCP(s, d)
}

// MustTCP is ParseTCP for literal addresses; it panics on malformed input.
func MustTCP(src, dst string) Key {
	k, err := ParseTCP(src, dst)
	if err != nil {
		panic(err)
	}
	return k
}

// Reverse returns the key of the opposite direction.
func (k Key) Reverse() Key {
	return Key{Net: k.Net.Reverse(), Transport: k.Transport.Reverse()}
}

func (k Key) String() string {
	src, dst := k.Net.Endpoints()
	sport, dport := k.Transport.Endpoints()
	return fmt.Sprintf("%s:%s->%s:%s", src, sport, dst, dport)
}
