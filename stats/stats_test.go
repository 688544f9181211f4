package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewInitialMin(t *testing.T) {
	s := New(10)
	assert.Equal(t, uint32(math.MaxUint32), s.Min)
	assert.Equal(t, uint32(0), s.Average())
}

func TestAddSampleComputesMinMaxAvg(t *testing.T) {
	s := New(10)
	s.AddSample(100)
	s.AddSample(300)
	s.AddSample(200)
	assert.Equal(t, uint32(100), s.Min)
	assert.Equal(t, uint32(300), s.Max)
	assert.Equal(t, uint32(600), s.Sum)
	assert.Equal(t, uint32(3), s.NumberOfSamples)
	assert.Equal(t, uint32(200), s.Average())
	assert.LessOrEqual(t, s.Min, s.Average())
	assert.LessOrEqual(t, s.Average(), s.Max)
}

func TestAddSampleRespectsCap(t *testing.T) {
	s := New(2)
	s.AddSample(1)
	s.AddSample(2)
	s.AddSample(3) // dropped, cap reached
	assert.Equal(t, uint32(2), s.NumberOfSamples)
	assert.Equal(t, uint32(3), s.Sum)
}

func TestAddSampleRefusesOverflow(t *testing.T) {
	s := New(10)
	s.AddSample(math.MaxUint32 - 1)
	s.AddSample(2) // would overflow, dropped
	assert.Equal(t, uint32(1), s.NumberOfSamples)
	assert.Equal(t, uint32(math.MaxUint32-1), s.Sum)
}

func TestResetIdempotent(t *testing.T) {
	s := New(5)
	s.AddSample(42)
	s.NumberOfConnects = 3
	s.Reset()
	first := s
	s.Reset()
	assert.Equal(t, first, s)
	assert.Equal(t, uint32(0), s.NumberOfSamples)
	assert.Equal(t, uint32(0), s.NumberOfConnects)
}
