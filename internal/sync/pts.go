// ABOUTME: 33-bit 90 kHz presentation timestamp helpers
// ABOUTME: Parses PES timestamps and does rollover-safe arithmetic on them
package sync

// Timestamps wrap at 2^33 ticks of the 90 kHz clock (about 26.5 hours).
const (
	TicksPerMS = 90
	ptsMask    = 1<<33 - 1
	ptsHalf    = 1 << 32
)

// ParsePTS decodes the 5-byte PES timestamp encoding.
func ParsePTS(b []byte) uint64 {
	if len(b) < 5 {
		return 0
	}
	return (uint64(b[0]&0x0E) << 29) |
		(uint64(b[1]) << 22) |
		(uint64(b[2]&0xFE) << 14) |
		(uint64(b[3]) << 7) |
		(uint64(b[4]&0xFE) >> 1)
}

// EncodePTS writes ticks in the 5-byte PES encoding with the given prefix
// nibble (0x2 for PTS only, 0x3 for PTS followed by DTS).
func EncodePTS(ticks uint64, prefix byte) [5]byte {
	ticks &= ptsMask
	return [5]byte{
		prefix<<4 | byte(ticks>>29)&0x0E | 1,
		byte(ticks >> 22),
		byte(ticks>>14)&0xFE | 1,
		byte(ticks >> 7),
		byte(ticks<<1) | 1,
	}
}

// Diff returns a - b as a signed tick count, treating both as points on
// the 33-bit circle. Results are in [-2^32, 2^32).
func Diff(a, b uint64) int64 {
	d := (a - b) & ptsMask
	if d >= ptsHalf {
		return int64(d) - (1 << 33)
	}
	return int64(d)
}

// Add advances a timestamp by n ticks, wrapping at 2^33.
func Add(a uint64, n int64) uint64 {
	return uint64(int64(a)+n) & ptsMask
}

// TicksToMS converts 90 kHz ticks to milliseconds
func TicksToMS(ticks int64) int64 {
	return ticks / TicksPerMS
}
