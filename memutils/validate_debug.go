//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// DebugChecks is true when the package is built with the debug_mem_utils build tag
	DebugChecks bool = true
	// corruptionDetectionMagicValue is a 4-byte pattern written into the canary slot of every block header
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across the 4 bytes at the provided offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
	binary.LittleEndian.PutUint32(data[offset:offset+4], corruptionDetectionMagicValue)
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return binary.LittleEndian.Uint32(data[offset:offset+4]) == corruptionDetectionMagicValue
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
