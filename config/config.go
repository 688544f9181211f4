// Package config defines the typed master configuration hierarchy
// (Config / GroupSetting / DeviceSetting) and its two validation passes: a
// structural/range pass (Validate) and a separate duplicate-slave-id pass
// (ValidateNoDuplicates) that only runs once the Ethernet interface is
// known. LoadINI reads the group/device hierarchy from an ini-format file.
package config

import (
	"errors"
	"fmt"
	"net"
)

// Protocol-defined limits referenced by Validate.
const (
	// MaxOccupiedStationsGlobal is the protocol-wide cap on the sum of
	// num_occupied_stations across every group and device.
	MaxOccupiedStationsGlobal = 64

	// MaxOccupiedStationsPerDevice is the per-device cap.
	MaxOccupiedStationsPerDevice = 16

	// MinTimeoutValueMs is the protocol minimum for a group's
	// timeout_value_ms.
	MinTimeoutValueMs = 5

	// MaxConstantTimeoutValueMs is the protocol maximum for
	// timeout_value_ms when use_constant_link_scan_time is set.
	MaxConstantTimeoutValueMs = 2000

	// DefaultArbitrationTimeMs is the default arbitration_time_ms.
	DefaultArbitrationTimeMs = 2500

	// DefaultNodeSearchDBCapacity is the NodeSearchDB capacity used when
	// a Config leaves NodeSearchDBCapacity at zero.
	DefaultNodeSearchDBCapacity = 64
)

var (
	ErrNoGroups             = errors.New("config: at least one group is required")
	ErrTooManyGroups        = errors.New("config: too many groups")
	ErrNoDevices            = errors.New("config: group has no devices")
	ErrTooManyDevices       = errors.New("config: group has too many devices")
	ErrInvalidMasterIP      = errors.New("config: master_ip is not a routable IPv4 address")
	ErrInvalidSlaveID       = errors.New("config: slave_id is not a routable IPv4 address")
	ErrSlaveIsMaster        = errors.New("config: slave_id equals master_ip")
	ErrOccupiedOutOfRange   = errors.New("config: num_occupied_stations out of range (1..16)")
	ErrTooManyOccupied      = errors.New("config: sum of num_occupied_stations exceeds the protocol cap")
	ErrTimeoutTooSmall      = errors.New("config: timeout_value_ms below protocol minimum")
	ErrTimeoutTooLargeConst = errors.New("config: timeout_value_ms exceeds protocol maximum for constant link scan time")
	ErrParallelOffZero      = errors.New("config: parallel_off_timeout_count must be >= 1")
	ErrDuplicateSlaveID     = errors.New("config: duplicate slave_id across configuration")
)

// DeviceSetting is one configured slave device.
type DeviceSetting struct {
	SlaveID             net.IP
	NumOccupiedStations uint8
	ReservedSlaveDevice bool
}

// GroupSetting is one configured group of slave devices sharing a
// link-scan cadence.
type GroupSetting struct {
	TimeoutValueMs          uint16
	ParallelOffTimeoutCount uint16
	UseConstantLinkScanTime bool
	Devices                 []DeviceSetting
}

// Config is the master configuration, immutable after init.
type Config struct {
	ProtocolVersion              uint16
	MasterIP                     net.IP
	FileDirectory                string
	ArbitrationTimeMs            uint32
	CallbackTimeNodeSearchMs     uint32
	CallbackTimeSetIPMs          uint32
	MaxStatisticsSamples         uint32
	UseSLMPDirectedBroadcast     bool
	UseSeparateArbitrationSocket bool
	NodeSearchDBCapacity         uint32
	Groups                       []GroupSetting
}

// EffectiveNodeSearchDBCapacity returns NodeSearchDBCapacity, or
// DefaultNodeSearchDBCapacity when it is unset (zero).
func (c *Config) EffectiveNodeSearchDBCapacity() uint32 {
	if c.NodeSearchDBCapacity == 0 {
		return DefaultNodeSearchDBCapacity
	}
	return c.NodeSearchDBCapacity
}

// isRoutableIPv4 reports whether ip is an IPv4 address in the routable
// range 0.0.0.1..=223.255.255.254.
func isRoutableIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	var n uint32
	for _, b := range v4 {
		n = n<<8 | uint32(b)
	}
	return n >= 1 && n <= 0xDFFFFFFE
}

// Validate performs the first, structural/range validation pass: it does
// not require the Ethernet interface to be resolved and does not check
// for duplicate slave IDs (that is ValidateNoDuplicates, run later in
// master.Init once the interface is known).
func (c *Config) Validate() error {
	if !isRoutableIPv4(c.MasterIP) {
		return ErrInvalidMasterIP
	}
	if len(c.Groups) == 0 {
		return ErrNoGroups
	}
	total := 0
	for gi := range c.Groups {
		g := &c.Groups[gi]
		if len(g.Devices) == 0 {
			return fmt.Errorf("group %d: %w", gi, ErrNoDevices)
		}
		if g.TimeoutValueMs < MinTimeoutValueMs {
			return fmt.Errorf("group %d: %w", gi, ErrTimeoutTooSmall)
		}
		if g.UseConstantLinkScanTime && g.TimeoutValueMs > MaxConstantTimeoutValueMs {
			return fmt.Errorf("group %d: %w", gi, ErrTimeoutTooLargeConst)
		}
		if g.ParallelOffTimeoutCount < 1 {
			return fmt.Errorf("group %d: %w", gi, ErrParallelOffZero)
		}
		for di := range g.Devices {
			d := &g.Devices[di]
			if !isRoutableIPv4(d.SlaveID) {
				return fmt.Errorf("group %d device %d: %w", gi, di, ErrInvalidSlaveID)
			}
			if d.SlaveID.Equal(c.MasterIP) {
				return fmt.Errorf("group %d device %d: %w", gi, di, ErrSlaveIsMaster)
			}
			if d.NumOccupiedStations < 1 || d.NumOccupiedStations > MaxOccupiedStationsPerDevice {
				return fmt.Errorf("group %d device %d: %w", gi, di, ErrOccupiedOutOfRange)
			}
			total += int(d.NumOccupiedStations)
		}
	}
	if total > MaxOccupiedStationsGlobal {
		return ErrTooManyOccupied
	}
	return nil
}

// ValidateNoDuplicates is the second validation pass: no slave_id may
// repeat across the whole configuration, whether within a group or across
// groups.
func (c *Config) ValidateNoDuplicates() error {
	seen := make(map[string]struct{})
	for gi := range c.Groups {
		for di := range c.Groups[gi].Devices {
			key := c.Groups[gi].Devices[di].SlaveID.String()
			if _, ok := seen[key]; ok {
				return fmt.Errorf("group %d device %d: %w", gi, di, ErrDuplicateSlaveID)
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

// TotalOccupied returns the sum of num_occupied_stations across every
// group and device.
func (c *Config) TotalOccupied() int {
	total := 0
	for gi := range c.Groups {
		for di := range c.Groups[gi].Devices {
			total += int(c.Groups[gi].Devices[di].NumOccupiedStations)
		}
	}
	return total
}

// TotalOccupied returns the sum of num_occupied_stations within a single
// group.
func (g *GroupSetting) TotalOccupied() int {
	total := 0
	for di := range g.Devices {
		total += int(g.Devices[di].NumOccupiedStations)
	}
	return total
}
