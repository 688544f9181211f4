// Package iface defines the interface-discovery seam the master core
// depends on: resolving a master_ip to its network interface index,
// netmask, and MAC address, and computing the CCIEFB and SLMP broadcast
// addresses from them. Platform discovery (netlink, ioctl) lives behind
// the Resolver interface and is supplied at construction time; Static is
// a deterministic stand-in for tests and examples.
package iface

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrNotFound is returned by a Resolver when no local interface carries
// the requested address.
var ErrNotFound = errors.New("iface: no local interface carries this address")

// Info is everything the master core needs about the interface it is
// bound to.
type Info struct {
	Index   int
	Netmask net.IPMask
	MAC     [6]byte
}

// Resolver looks up interface details for a given local IPv4 address.
// The production implementation (netlink on Linux, ioctl elsewhere) is
// an external collaborator; tests and examples supply a Static fake.
type Resolver interface {
	Resolve(localIP net.IP) (Info, error)
}

// Static is a Resolver fake that always returns the same Info,
// regardless of the requested address (as long as it is non-nil). Used
// by unit tests and by the cmd/cciefbmasterd example when no platform
// resolver is wired in.
type Static struct {
	Info Info
}

func (s Static) Resolve(localIP net.IP) (Info, error) {
	if localIP == nil {
		return Info{}, ErrNotFound
	}
	return s.Info, nil
}

// ip4ToUint32 converts a 4-byte IPv4 address to a host-order uint32, MSB
// first (i.e. 192.168.3.1 -> 0xC0A80301).
func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP4(n uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// CCIEFBBroadcast computes the directed IEFB broadcast address for ip
// under netmask: ip | ~netmask.
func CCIEFBBroadcast(ip net.IP, netmask net.IPMask) net.IP {
	ipN := ip4ToUint32(ip)
	var maskN uint32
	for _, b := range netmask {
		maskN = maskN<<8 | uint32(b)
	}
	return uint32ToIP4(ipN | ^maskN)
}

// LimitedBroadcast is the universal IPv4 limited broadcast address,
// 255.255.255.255.
func LimitedBroadcast() net.IP {
	return net.IPv4(255, 255, 255, 255)
}

// SLMPBroadcast computes the SLMP broadcast address: the directed
// broadcast when useDirected is true (config's
// use_slmp_directed_broadcast), else the limited broadcast.
func SLMPBroadcast(ip net.IP, netmask net.IPMask, useDirected bool) net.IP {
	if useDirected {
		return CCIEFBBroadcast(ip, netmask)
	}
	return LimitedBroadcast()
}
