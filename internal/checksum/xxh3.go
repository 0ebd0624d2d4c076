// Package checksum provides checksum functions compatible with RocksDB.
//
// XXH3_64bits delegates to the zeebo/xxh3 library, which implements the
// xxHash XXH3 algorithm (https://github.com/Cyan4973/xxHash).
// RocksDB v10.7.5 uses XXH3_64bits() for block checksums.
package checksum

import "github.com/zeebo/xxh3"

// XXH3_64bits computes the 64-bit XXH3 hash of data.
func XXH3_64bits(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Checksum computes a 32-bit checksum treating the last byte of data
// specially (RocksDB combines the block checksum with the trailing
// compression-type byte this way).
func XXH3Checksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	return XXH3ChecksumWithLastByte(data[:len(data)-1], data[len(data)-1])
}

// XXH3ChecksumWithLastByte computes XXH3 checksum with a separate last byte.
// This is used when the last byte (compression type) is not in the data buffer.
func XXH3ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	h := XXH3_64bits(data)
	v := uint32(h)

	const kRandomPrime = 0x6b9083d9
	return v ^ (uint32(lastByte) * kRandomPrime)
}
