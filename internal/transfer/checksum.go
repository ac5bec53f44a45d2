package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ChunkCRC returns the CRC32C of a raw chunk.
func ChunkCRC(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Digest returns the hex SHA-256 of a whole payload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
