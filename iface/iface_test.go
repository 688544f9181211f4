package iface

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCCIEFBBroadcast(t *testing.T) {
	ip := net.ParseIP("192.168.3.1")
	mask := net.CIDRMask(24, 32)
	bcast := CCIEFBBroadcast(ip, mask)
	assert.Equal(t, "192.168.3.255", bcast.String())
}

func TestSLMPBroadcastDirected(t *testing.T) {
	ip := net.ParseIP("10.0.0.5")
	mask := net.CIDRMask(16, 32)
	assert.Equal(t, "10.0.255.255", SLMPBroadcast(ip, mask, true).String())
	assert.Equal(t, "255.255.255.255", SLMPBroadcast(ip, mask, false).String())
}

func TestStaticResolver(t *testing.T) {
	r := Static{Info: Info{Index: 2, Netmask: net.CIDRMask(24, 32), MAC: [6]byte{1, 2, 3, 4, 5, 6}}}
	info, err := r.Resolve(net.ParseIP("192.168.3.1"))
	require.NoError(t, err)
	assert.Equal(t, 2, info.Index)

	_, err = r.Resolve(nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
