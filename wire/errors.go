// Package wire implements bit-exact little-endian encoding and decoding of
// CCIEFB cyclic request/response frames and SLMP node-search/set-IP frames.
//
// The package is purely functional: it knows byte offsets and endianness and
// nothing about sockets, timers or state machines.
package wire

import "errors"

var (
	// ErrMalformedFrame is returned when a datagram is too short, carries
	// the wrong magic constants, or declares a length that disagrees with
	// the number of bytes actually received. Callers must drop the frame
	// and count it as an invalid incoming frame; this error is never
	// surfaced to the application.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrBufferTooSmall is returned by encoders when the destination
	// buffer cannot hold the frame being built.
	ErrBufferTooSmall = errors.New("wire: destination buffer too small")
)
