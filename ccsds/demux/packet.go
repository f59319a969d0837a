package demux

import (
	"encoding/binary"
	"fmt"
)

// PrimaryHeaderSize is the space packet primary header length.
const PrimaryHeaderSize = 6

// IdleAPID marks idle (fill) space packets.
const IdleAPID = 0x7FF

// SpacePacket is one reassembled CCSDS space packet.
type SpacePacket struct {
	VCID            int
	SCID            int
	APID            int
	Type            int // 0 telemetry, 1 telecommand
	SecondaryHeader bool
	SequenceFlags   int
	SequenceCount   int
	Length          int // payload bytes, the header length field plus one
	Header          []byte
	Payload         []byte
}

func (p SpacePacket) String() string {
	return fmt.Sprintf("vcid=%d apid=%d seq=%d flags=%d len=%d", p.VCID, p.APID, p.SequenceCount, p.SequenceFlags, p.Length)
}

// Idle reports whether the packet is an idle packet.
func (p SpacePacket) Idle() bool { return p.APID == IdleAPID }

// packetSize returns the total size of the packet whose primary header
// starts hdr.
func packetSize(hdr []byte) int {
	return PrimaryHeaderSize + int(binary.BigEndian.Uint16(hdr[4:6])) + 1
}

func parsePacket(vcid, scid int, raw []byte) SpacePacket {
	w0 := binary.BigEndian.Uint16(raw[0:2])
	w1 := binary.BigEndian.Uint16(raw[2:4])
	hdr := make([]byte, PrimaryHeaderSize)
	copy(hdr, raw)
	payload := make([]byte, len(raw)-PrimaryHeaderSize)
	copy(payload, raw[PrimaryHeaderSize:])
	return SpacePacket{
		VCID:            vcid,
		SCID:            scid,
		APID:            int(w0 & 0x7FF),
		Type:            int(w0>>12) & 1,
		SecondaryHeader: w0&0x0800 != 0,
		SequenceFlags:   int(w1 >> 14),
		SequenceCount:   int(w1 & 0x3FFF),
		Length:          len(payload),
		Header:          hdr,
		Payload:         payload,
	}
}

// BuildPacket serialises a space packet primary header and payload. It is
// the inverse of the demultiplexer's packet parsing.
func BuildPacket(apid, seqFlags, seqCount int, secondary bool, payload []byte) []byte {
	out := make([]byte, PrimaryHeaderSize+len(payload))
	w0 := uint16(apid & 0x7FF)
	if secondary {
		w0 |= 0x0800
	}
	binary.BigEndian.PutUint16(out[0:], w0)
	binary.BigEndian.PutUint16(out[2:], uint16(seqFlags&3)<<14|uint16(seqCount&0x3FFF))
	binary.BigEndian.PutUint16(out[4:], uint16(len(payload)-1))
	copy(out[PrimaryHeaderSize:], payload)
	return out
}
