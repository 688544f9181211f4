// Package paramfile implements the two-byte "parameter number" persisted
// across restarts in a tiny 10-byte versioned file: 4-byte magic "CLNK"
// big-endian, 4-byte version big-endian, 2-byte counter little-endian.
//
// The counter is included in every cyclic request so slaves can detect a
// master re-configuration. SaveIfModified compares old and new encoded
// bytes before writing, so flash-backed filesystems are not rewritten on
// every init.
package paramfile

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
)

const (
	// FileSize is the total encoded size of a parameter file.
	FileSize = 10

	magic   uint32 = 0x434C4E4B // "CLNK"
	version uint32 = 0x00000001

	// FileName is the conventional base name of the parameter file
	// within a configured file_directory.
	FileName = "cciefb_param.bin"
)

// errDataCorrupt is returned internally by decode when the magic or
// version does not match; Load never surfaces it, it resets to 0 instead.
var errDataCorrupt = errors.New("paramfile: magic or version mismatch")

func encode(counter uint16) []byte {
	buf := make([]byte, FileSize)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint16(buf[8:10], counter)
	return buf
}

func decode(buf []byte) (uint16, error) {
	if len(buf) != FileSize {
		return 0, errDataCorrupt
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return 0, errDataCorrupt
	}
	if binary.BigEndian.Uint32(buf[4:8]) != version {
		return 0, errDataCorrupt
	}
	return binary.LittleEndian.Uint16(buf[8:10]), nil
}

// Path joins directory and FileName using OS-appropriate separators.
func Path(directory string) string {
	return filepath.Join(directory, FileName)
}

// Load reads the parameter counter from path. On a missing file or a
// file whose magic or version does not match, it returns 0 and no error.
func Load(path string) (uint16, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	counter, err := decode(buf)
	if err != nil {
		return 0, nil
	}
	return counter, nil
}

// SaveIfModified writes the new counter to path only if it differs from
// the value currently stored there (or the file does not yet exist / does
// not decode). It reports whether a write actually happened.
func SaveIfModified(path string, newCounter uint16) (wrote bool, err error) {
	existing, loadErr := os.ReadFile(path)
	if loadErr == nil {
		if old, decErr := decode(existing); decErr == nil && old == newCounter {
			return false, nil
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}
	if err := os.WriteFile(path, encode(newCounter), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// NextOnReinit computes the counter value a successful re-init persists:
// increment, rolling 0xFFFF back to 1, so every successful re-init
// produces a value different from the previous one.
func NextOnReinit(previous uint16) uint16 {
	if previous == 0xFFFF {
		return 1
	}
	return previous + 1
}
