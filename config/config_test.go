package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ProtocolVersion:   2,
		MasterIP:          net.ParseIP("192.168.3.1"),
		ArbitrationTimeMs: 2500,
		Groups: []GroupSetting{
			{
				TimeoutValueMs:          500,
				ParallelOffTimeoutCount: 3,
				Devices: []DeviceSetting{
					{SlaveID: net.ParseIP("192.168.3.2"), NumOccupiedStations: 1},
					{SlaveID: net.ParseIP("192.168.3.3"), NumOccupiedStations: 2},
				},
			},
		},
	}
}

func TestValidateAccepsGoodConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	require.NoError(t, c.ValidateNoDuplicates())
	assert.Equal(t, 3, c.TotalOccupied())
}

func TestValidateRejectsNonRoutableMasterIP(t *testing.T) {
	c := validConfig()
	c.MasterIP = net.ParseIP("0.0.0.0")
	assert.ErrorIs(t, c.Validate(), ErrInvalidMasterIP)
}

func TestValidateRejectsNoGroups(t *testing.T) {
	c := validConfig()
	c.Groups = nil
	assert.ErrorIs(t, c.Validate(), ErrNoGroups)
}

func TestValidateRejectsOccupiedOutOfRange(t *testing.T) {
	c := validConfig()
	c.Groups[0].Devices[0].NumOccupiedStations = 17
	assert.ErrorIs(t, c.Validate(), ErrOccupiedOutOfRange)
}

func TestValidateRejectsTimeoutTooSmall(t *testing.T) {
	c := validConfig()
	c.Groups[0].TimeoutValueMs = 1
	assert.ErrorIs(t, c.Validate(), ErrTimeoutTooSmall)
}

func TestValidateRejectsConstantTimeoutTooLarge(t *testing.T) {
	c := validConfig()
	c.Groups[0].UseConstantLinkScanTime = true
	c.Groups[0].TimeoutValueMs = MaxConstantTimeoutValueMs + 1
	assert.ErrorIs(t, c.Validate(), ErrTimeoutTooLargeConst)
}

func TestValidateRejectsSlaveEqualsMaster(t *testing.T) {
	c := validConfig()
	c.Groups[0].Devices[0].SlaveID = c.MasterIP
	assert.ErrorIs(t, c.Validate(), ErrSlaveIsMaster)
}

func TestValidateNoDuplicatesCatchesCrossGroupDuplicate(t *testing.T) {
	c := validConfig()
	c.Groups = append(c.Groups, GroupSetting{
		TimeoutValueMs:          500,
		ParallelOffTimeoutCount: 1,
		Devices: []DeviceSetting{
			{SlaveID: net.ParseIP("192.168.3.2"), NumOccupiedStations: 1},
		},
	})
	require.NoError(t, c.Validate())
	assert.ErrorIs(t, c.ValidateNoDuplicates(), ErrDuplicateSlaveID)
}

func TestValidateRejectsTooManyOccupiedGlobally(t *testing.T) {
	c := validConfig()
	for i := 0; i < 40; i++ {
		c.Groups[0].Devices = append(c.Groups[0].Devices, DeviceSetting{
			SlaveID:             net.ParseIP("10.0.0.1"),
			NumOccupiedStations: 2,
		})
	}
	assert.ErrorIs(t, c.Validate(), ErrTooManyOccupied)
}

func TestLoadINI(t *testing.T) {
	data := []byte(`
[master]
ProtocolVersion = 2
MasterIP = 192.168.3.1
ArbitrationTimeMs = 2500
MaxStatisticsSamples = 50

[group1]
TimeoutValueMs = 500
ParallelOffTimeoutCount = 3

[group1.device1]
SlaveId = 192.168.3.2
NumOccupiedStations = 1

[group1.device2]
SlaveId = 192.168.3.3
NumOccupiedStations = 2
`)
	cfg, err := LoadINI(data)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "192.168.3.1", cfg.MasterIP.String())
	require.Len(t, cfg.Groups, 1)
	require.Len(t, cfg.Groups[0].Devices, 2)
	assert.Equal(t, "192.168.3.2", cfg.Groups[0].Devices[0].SlaveID.String())
	assert.Equal(t, uint8(2), cfg.Groups[0].Devices[1].NumOccupiedStations)
}
