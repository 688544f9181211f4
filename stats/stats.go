// Package stats implements the per-device statistics counters and the
// response-time sampler: sent/received frame counters,
// connect/disconnect/timeout counters, and a min/max/sum sampler with a
// configurable cap on the number of samples it accepts.
package stats

import "math"

// Statistics holds the frame counters and response-time sampler for a
// single slave device.
type Statistics struct {
	NumberOfSentFrames            uint32
	NumberOfIncomingFrames        uint32
	NumberOfIncomingInvalidFrames uint32
	NumberOfIncomingAlarmFrames   uint32
	NumberOfConnects              uint32
	NumberOfDisconnects           uint32
	NumberOfTimeouts              uint32

	maxSamples      uint32
	Min             uint32
	Max             uint32
	Sum             uint32
	NumberOfSamples uint32
}

// New returns a Statistics with its sampler ready to accept up to
// maxSamples response-time samples. Min starts at math.MaxUint32 so that
// the first sample always sets it.
func New(maxSamples uint32) Statistics {
	var s Statistics
	s.maxSamples = maxSamples
	s.Reset()
	return s
}

// Reset clears every counter and the sampler back to its initial state,
// without forgetting the configured maxSamples cap. Reset is idempotent.
func (s *Statistics) Reset() {
	maxSamples := s.maxSamples
	*s = Statistics{maxSamples: maxSamples}
	s.Min = math.MaxUint32
}

// AddSample records a response-time sample, in microseconds. It refuses
// additional samples once the cap (maxSamples) has been reached, and it
// refuses a sample that would overflow Sum. In both refusal cases the
// sample is silently dropped; the frame/connect counters the caller also
// updates are unaffected.
func (s *Statistics) AddSample(sampleUs uint32) {
	if s.NumberOfSamples >= s.maxSamples {
		return
	}
	if s.Sum > math.MaxUint32-sampleUs {
		return
	}
	s.Sum += sampleUs
	s.NumberOfSamples++
	if sampleUs < s.Min {
		s.Min = sampleUs
	}
	if sampleUs > s.Max {
		s.Max = sampleUs
	}
}

// Average returns Sum/NumberOfSamples, or 0 when no sample has been taken
// yet.
func (s *Statistics) Average() uint32 {
	if s.NumberOfSamples == 0 {
		return 0
	}
	return s.Sum / s.NumberOfSamples
}
