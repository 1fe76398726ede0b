// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import "encoding/binary"

// Packet type words. Every srtla control packet starts with a big-endian
// 16-bit type; SRT control packets set the high bit of the same field.
// REG3 and keepalives share a value and are told apart by length and
// direction.
const (
	TypeREG1      uint16 = 0x9000
	TypeREG2      uint16 = 0x9001
	TypeREG3      uint16 = 0x9002
	TypeKeepalive uint16 = 0x9002
	TypeRegErr    uint16 = 0x9100
	TypeRegNGP    uint16 = 0x9101

	TypeSRTHandshake uint16 = 0x8000
	TypeSRTAck       uint16 = 0x8002
	TypeSRTNak       uint16 = 0x8003

	// ackHeaderWord is the first 32-bit word of a batched ACK: the 16-bit
	// ACK type in the high half, zero in the low half.
	ackHeaderWord uint32 = 0x9100_0000
)

const (
	// GroupIDLen is the full group id carried in REG2; ClientIDLen is the
	// client-chosen half of it carried in REG1.
	GroupIDLen  = 32
	ClientIDLen = 16

	REG1Len = 258
	REG2Len = 2 + GroupIDLen
	REG3Len = 2

	// extKeepaliveLen is a keepalive extended with a sender telemetry
	// block. Anything shorter is a bare keepalive.
	extKeepaliveLen = 42

	keepaliveMagic   uint16 = 0xFEED
	keepaliveVersion uint16 = 0x0001

	// SRTMinLen is the size of an SRT header. Shorter datagrams are
	// neither counted nor forwarded.
	SRTMinLen = 16

	ackLen = 4 + 4*RecvACKInt

	// MTU bounds a single datagram on any of the receiver's sockets.
	MTU = 1500
)

// packetType returns the leading 16-bit type word, or zero when the
// datagram is too short to carry one.
func packetType(buf []byte) uint16 {
	if len(buf) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(buf)
}

func isREG1(buf []byte) bool {
	return len(buf) == REG1Len && packetType(buf) == TypeREG1
}

func isREG2(buf []byte) bool {
	return len(buf) == REG2Len && packetType(buf) == TypeREG2
}

func isKeepalive(buf []byte) bool {
	return packetType(buf) == TypeKeepalive
}

func isSRTAck(buf []byte) bool {
	return packetType(buf) == TypeSRTAck
}

func isSRTNak(buf []byte) bool {
	return len(buf) >= SRTMinLen && packetType(buf) == TypeSRTNak
}

// srtSequenceNumber extracts the sequence number of an SRT data packet:
// the first 32-bit word with the control bit clear. The second return is
// false for control packets and runts.
func srtSequenceNumber(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	sn := binary.BigEndian.Uint32(buf)
	if sn&(1<<31) != 0 {
		return 0, false
	}
	return sn, true
}

// connectionInfo is the sender telemetry block of an extended keepalive.
type connectionInfo struct {
	ConnID     uint32
	Window     int32
	InFlight   int32
	RTT        uint64 // milliseconds
	NAKCount   uint32
	BitrateBps uint32
}

// parseKeepaliveInfo decodes the telemetry block of an extended keepalive.
// The RTT travels in microseconds and is converted to milliseconds here.
// A wrong magic or version means an incompatible sender build; the packet
// is then treated as a bare keepalive.
func parseKeepaliveInfo(buf []byte) (connectionInfo, bool) {
	if len(buf) < extKeepaliveLen || packetType(buf) != TypeKeepalive {
		return connectionInfo{}, false
	}
	if binary.BigEndian.Uint16(buf[10:12]) != keepaliveMagic {
		return connectionInfo{}, false
	}
	if binary.BigEndian.Uint16(buf[12:14]) != keepaliveVersion {
		return connectionInfo{}, false
	}
	return connectionInfo{
		ConnID:     binary.BigEndian.Uint32(buf[14:18]),
		Window:     int32(binary.BigEndian.Uint32(buf[18:22])),
		InFlight:   int32(binary.BigEndian.Uint32(buf[22:26])),
		RTT:        binary.BigEndian.Uint64(buf[26:34]) / 1000,
		NAKCount:   binary.BigEndian.Uint32(buf[34:38]),
		BitrateBps: binary.BigEndian.Uint32(buf[38:42]),
	}, true
}

// encodeControl builds one of the 2-byte control replies (REG3, REG_ERR,
// REG_NGP, bare keepalive).
func encodeControl(t uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, t)
	return buf
}

// encodeREG2 builds the REG2 reply carrying the full group id.
func encodeREG2(id *[GroupIDLen]byte) []byte {
	buf := make([]byte, REG2Len)
	binary.BigEndian.PutUint16(buf, TypeREG2)
	copy(buf[2:], id[:])
	return buf
}

// encodeACK builds a batched ACK from the ring of received sequence
// numbers, oldest first.
func encodeACK(seqs *[RecvACKInt]uint32) []byte {
	buf := make([]byte, ackLen)
	binary.BigEndian.PutUint32(buf, ackHeaderWord)
	for i, sn := range seqs {
		binary.BigEndian.PutUint32(buf[4+4*i:], sn)
	}
	return buf
}
