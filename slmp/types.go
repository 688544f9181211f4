// Package slmp implements the master-side SLMP management engine:
// broadcast node discovery (node search) and "set IP" requests, each
// with a per-request serial number tracked against a single in-flight
// invariant and a deferred, timer-gated result callback. The engine is
// driven cooperatively from Periodic; nothing in it blocks.
package slmp

import (
	"net"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("service", "slmp")

// SetIPStatus enumerates the outcome delivered to the set-IP result
// callback.
type SetIPStatus uint8

const (
	SetIPSuccess SetIPStatus = iota
	SetIPTimeout
	SetIPErrorResponse
)

func (s SetIPStatus) String() string {
	switch s {
	case SetIPSuccess:
		return "SUCCESS"
	case SetIPTimeout:
		return "TIMEOUT"
	case SetIPErrorResponse:
		return "ERROR_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// NodeSearchEntry is one discovered slave.
type NodeSearchEntry struct {
	SlaveMAC     [6]byte
	SlaveID      net.IP
	SlaveNetmask net.IPMask
	VendorCode   uint16
	ModelCode    uint32
	EquipmentVer uint16
	SlaveStatus  uint16
}

// Hooks is the application callback receiver for the SLMP engine. Embed
// NoopHooks to default every method to a no-op.
type Hooks interface {
	OnNodeSearchResult(db *NodeSearchDB)
	OnSetIPResult(status SetIPStatus)
}

// NoopHooks implements Hooks with every method a no-op.
type NoopHooks struct{}

func (NoopHooks) OnNodeSearchResult(*NodeSearchDB) {}
func (NoopHooks) OnSetIPResult(SetIPStatus)        {}
