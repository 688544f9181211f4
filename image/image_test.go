package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitRoundTrip(t *testing.T) {
	img := New(3)
	require.NoError(t, img.SetRY(1, 5, true))
	v, err := img.GetRY(1, 5)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = img.GetRY(1, 4)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestBitOrderingLSB(t *testing.T) {
	img := New(1)
	require.NoError(t, img.SetRY(0, 0, true))
	assert.Equal(t, byte(0x01), img.RY[0])
	require.NoError(t, img.SetRY(0, 8, true))
	assert.Equal(t, byte(0x01), img.RY[1])
}

func TestWordRoundTrip(t *testing.T) {
	img := New(2)
	require.NoError(t, img.SetRWw(1, 31, 0xBEEF))
	v, err := img.GetRWw(1, 31)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
}

func TestOutOfRange(t *testing.T) {
	img := New(1)
	_, err := img.GetRY(1, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = img.GetRY(0, 64)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = img.GetRWw(0, 32)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDeviceBitStation(t *testing.T) {
	station, bit := DeviceBitStation(2, 70)
	assert.Equal(t, 3, station) // 2 + 70/64
	assert.Equal(t, 6, bit)     // 70 % 64
}

func TestDeviceWordStation(t *testing.T) {
	station, word := DeviceWordStation(1, 35)
	assert.Equal(t, 2, station) // 1 + 35/32
	assert.Equal(t, 3, word)    // 35 % 32
}
