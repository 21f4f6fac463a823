package control

import "encoding/binary"

// Stats is the fixed-layout counters struct returned by a CommandQueryStats
// control request, grounded on the original src/lb/LStats.cxx /
// src/bp/Stats.cxx layout: a flat run of big-endian uint64 counters, no
// versioning beyond appending fields (readers tolerate a payload shorter
// than statsFieldCount by treating missing trailing fields as zero).
type Stats struct {
	IncomingConnections uint64
	OutgoingConnections uint64
	Sessions            uint64
	RequestCount        uint64
	CacheSize           uint64
	IOBufferSize        uint64
}

const statsFieldCount = 6

// Encode serializes s into its wire form.
func (s Stats) Encode() []byte {
	buf := make([]byte, statsFieldCount*8)
	binary.BigEndian.PutUint64(buf[0:8], s.IncomingConnections)
	binary.BigEndian.PutUint64(buf[8:16], s.OutgoingConnections)
	binary.BigEndian.PutUint64(buf[16:24], s.Sessions)
	binary.BigEndian.PutUint64(buf[24:32], s.RequestCount)
	binary.BigEndian.PutUint64(buf[32:40], s.CacheSize)
	binary.BigEndian.PutUint64(buf[40:48], s.IOBufferSize)
	return buf
}

// DecodeStats parses the wire form produced by Stats.Encode, tolerating a
// shorter buffer by leaving trailing fields zero.
func DecodeStats(buf []byte) Stats {
	var s Stats
	fields := []*uint64{
		&s.IncomingConnections,
		&s.OutgoingConnections,
		&s.Sessions,
		&s.RequestCount,
		&s.CacheSize,
		&s.IOBufferSize,
	}
	for i, f := range fields {
		off := i * 8
		if off+8 > len(buf) {
			break
		}
		*f = binary.BigEndian.Uint64(buf[off : off+8])
	}
	return s
}
