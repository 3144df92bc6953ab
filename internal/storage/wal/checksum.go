package wal

// ============================================================================
// Checksums
// ============================================================================

import (
	"hash/crc32"
	"sort"
	"strconv"
)

// CalculateChecksum returns the CRC32-IEEE of the event's content. Field keys
// are visited in sorted order so the result does not depend on map iteration.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(strconv.FormatUint(event.Seq, 10))
	write(string(event.Type))
	write(event.Subject)
	write(strconv.FormatInt(event.Timestamp, 10))

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(event.Fields[k])
	}
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
