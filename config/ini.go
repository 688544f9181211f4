package config

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var (
	groupSectionRe  = regexp.MustCompile(`^group(\d+)$`)
	deviceSectionRe = regexp.MustCompile(`^group(\d+)\.device(\d+)$`)

	logger = log.WithField("service", "config")
)

// LoadINI reads a Config from an ini-format file. file may be a path,
// *os.File, or []byte, per ini.Load's own accepted types.
//
// Expected layout:
//
//	[master]
//	ProtocolVersion = 2
//	MasterIP = 192.168.3.1
//	FileDirectory = /var/lib/cciefb
//	ArbitrationTimeMs = 2500
//	CallbackTimeNodeSearchMs = 1500
//	CallbackTimeSetIpMs = 1500
//	MaxStatisticsSamples = 100
//	UseSlmpDirectedBroadcast = true
//	UseSeparateArbitrationSocket = false
//
//	[group1]
//	TimeoutValueMs = 500
//	ParallelOffTimeoutCount = 3
//	UseConstantLinkScanTime = false
//
//	[group1.device1]
//	SlaveId = 192.168.3.2
//	NumOccupiedStations = 1
//	ReservedSlaveDevice = false
func LoadINI(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	master, err := f.GetSection("master")
	if err != nil {
		return nil, fmt.Errorf("config: missing [master] section: %w", err)
	}

	masterIP := net.ParseIP(master.Key("MasterIP").String())
	if masterIP == nil {
		return nil, fmt.Errorf("%w: unparsable MasterIP", ErrInvalidMasterIP)
	}

	cfg := &Config{
		ProtocolVersion:              uint16(master.Key("ProtocolVersion").MustUint(2)),
		MasterIP:                     masterIP,
		FileDirectory:                master.Key("FileDirectory").String(),
		ArbitrationTimeMs:            uint32(master.Key("ArbitrationTimeMs").MustUint(DefaultArbitrationTimeMs)),
		CallbackTimeNodeSearchMs:     uint32(master.Key("CallbackTimeNodeSearchMs").MustUint(1500)),
		CallbackTimeSetIPMs:          uint32(master.Key("CallbackTimeSetIpMs").MustUint(1500)),
		MaxStatisticsSamples:         uint32(master.Key("MaxStatisticsSamples").MustUint(100)),
		UseSLMPDirectedBroadcast:     master.Key("UseSlmpDirectedBroadcast").MustBool(false),
		UseSeparateArbitrationSocket: master.Key("UseSeparateArbitrationSocket").MustBool(false),
		NodeSearchDBCapacity:         uint32(master.Key("NodeSearchDBCapacity").MustUint(DefaultNodeSearchDBCapacity)),
	}

	groupIndices := map[int]bool{}
	deviceSections := map[int][]int{} // groupNo -> deviceNos

	for _, name := range f.SectionStrings() {
		if m := groupSectionRe.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			groupIndices[n] = true
			continue
		}
		if m := deviceSectionRe.FindStringSubmatch(name); m != nil {
			gn, _ := strconv.Atoi(m[1])
			dn, _ := strconv.Atoi(m[2])
			deviceSections[gn] = append(deviceSections[gn], dn)
		}
	}

	groupNos := make([]int, 0, len(groupIndices))
	for gn := range groupIndices {
		groupNos = append(groupNos, gn)
	}
	sort.Ints(groupNos)

	for _, gn := range groupNos {
		gSection, err := f.GetSection(fmt.Sprintf("group%d", gn))
		if err != nil {
			return nil, err
		}
		group := GroupSetting{
			TimeoutValueMs:          uint16(gSection.Key("TimeoutValueMs").MustUint(500)),
			ParallelOffTimeoutCount: uint16(gSection.Key("ParallelOffTimeoutCount").MustUint(1)),
			UseConstantLinkScanTime: gSection.Key("UseConstantLinkScanTime").MustBool(false),
		}

		deviceNos := deviceSections[gn]
		sort.Ints(deviceNos)
		for _, dn := range deviceNos {
			dSection, err := f.GetSection(fmt.Sprintf("group%d.device%d", gn, dn))
			if err != nil {
				return nil, err
			}
			slaveIP := net.ParseIP(dSection.Key("SlaveId").String())
			if slaveIP == nil {
				return nil, fmt.Errorf("%w: group %d device %d unparsable SlaveId", ErrInvalidSlaveID, gn, dn)
			}
			group.Devices = append(group.Devices, DeviceSetting{
				SlaveID:             slaveIP,
				NumOccupiedStations: uint8(dSection.Key("NumOccupiedStations").MustUint(1)),
				ReservedSlaveDevice: dSection.Key("ReservedSlaveDevice").MustBool(false),
			})
		}
		cfg.Groups = append(cfg.Groups, group)
	}

	logger.WithFields(log.Fields{"groups": len(cfg.Groups), "master_ip": cfg.MasterIP}).Debug("loaded config from ini")
	return cfg, nil
}
