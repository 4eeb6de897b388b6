// Package codec implements the record wire codec: the binary block format
// built on protobuf wire primitives with CRC32C checksums, and the escaped
// text grammar used by the legacy preview path.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum is a running CRC32C over typed updates. Field numbers and value
// payloads feed the per-record checksum; per-record checksums feed the
// stream checksum verified at end of block.
type Checksum struct {
	crc uint32
}

// Update folds raw bytes into the checksum.
func (c *Checksum) Update(p []byte) {
	c.crc = crc32.Update(c.crc, castagnoli, p)
}

// UpdateUint32 folds a little-endian uint32 into the checksum.
func (c *Checksum) UpdateUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.Update(buf[:])
}

// Value returns the current checksum.
func (c *Checksum) Value() uint32 { return c.crc }

// Reset clears the checksum.
func (c *Checksum) Reset() { c.crc = 0 }

// Reserved field numbers delimiting records and closing a block stream.
const (
	endRecordField    = 33553408
	metaCountField    = 33554430
	metaChecksumField = 33554431
)
