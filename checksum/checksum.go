// Package checksum provides the default per-datagram checksum: a reflected
// CRC-32 (polynomial 0x04C11DB7, initial and final value 0xFFFFFFFF) over a
// gather list of buffers.  This is exactly the IEEE CRC-32, so the
// implementation rides on hash/crc32 and keeps its bit-exact wire
// compatibility.
package checksum

import "hash/crc32"

// CRC32 computes the reflected CRC-32 of the buffers taken as one
// concatenated byte stream.  CRC32(a ++ b) == CRC32 over [a, b].
func CRC32(buffers [][]byte) uint32 {
	var crc uint32
	for _, b := range buffers {
		crc = crc32.Update(crc, crc32.IEEETable, b)
	}
	return crc
}
