// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketClassifiers(t *testing.T) {
	reg1 := make([]byte, REG1Len)
	binary.BigEndian.PutUint16(reg1, TypeREG1)
	assert.True(t, isREG1(reg1))
	assert.False(t, isREG2(reg1))

	// A REG1 with a truncated body is not a registration.
	assert.False(t, isREG1(reg1[:REG1Len-1]))

	reg2 := make([]byte, REG2Len)
	binary.BigEndian.PutUint16(reg2, TypeREG2)
	assert.True(t, isREG2(reg2))
	assert.False(t, isREG2(reg2[:REG2Len-1]))

	keepalive := encodeControl(TypeKeepalive)
	assert.True(t, isKeepalive(keepalive))

	// Keepalives are classified by type alone, the extended form included.
	ext := make([]byte, extKeepaliveLen)
	binary.BigEndian.PutUint16(ext, TypeKeepalive)
	assert.True(t, isKeepalive(ext))

	ack := make([]byte, SRTMinLen)
	binary.BigEndian.PutUint16(ack, TypeSRTAck)
	assert.True(t, isSRTAck(ack))

	nak := make([]byte, SRTMinLen)
	binary.BigEndian.PutUint16(nak, TypeSRTNak)
	assert.True(t, isSRTNak(nak))
	assert.False(t, isSRTNak(nak[:SRTMinLen-1]))

	assert.Equal(t, uint16(0), packetType(nil))
	assert.Equal(t, uint16(0), packetType([]byte{0x90}))
}

func TestSRTSequenceNumber(t *testing.T) {
	data := make([]byte, SRTMinLen)
	binary.BigEndian.PutUint32(data, 123456)
	sn, ok := srtSequenceNumber(data)
	require.True(t, ok)
	assert.Equal(t, uint32(123456), sn)

	ctrl := make([]byte, SRTMinLen)
	binary.BigEndian.PutUint32(ctrl, 1<<31|2)
	_, ok = srtSequenceNumber(ctrl)
	assert.False(t, ok)

	_, ok = srtSequenceNumber([]byte{0x00, 0x01})
	assert.False(t, ok)
}

func buildExtKeepalive(info connectionInfo) []byte {
	buf := make([]byte, extKeepaliveLen)
	binary.BigEndian.PutUint16(buf[0:2], TypeKeepalive)
	binary.BigEndian.PutUint16(buf[10:12], keepaliveMagic)
	binary.BigEndian.PutUint16(buf[12:14], keepaliveVersion)
	binary.BigEndian.PutUint32(buf[14:18], info.ConnID)
	binary.BigEndian.PutUint32(buf[18:22], uint32(info.Window))
	binary.BigEndian.PutUint32(buf[22:26], uint32(info.InFlight))
	binary.BigEndian.PutUint64(buf[26:34], info.RTT*1000)
	binary.BigEndian.PutUint32(buf[34:38], info.NAKCount)
	binary.BigEndian.PutUint32(buf[38:42], info.BitrateBps)
	return buf
}

func TestParseKeepaliveInfo(t *testing.T) {
	want := connectionInfo{
		ConnID:     7,
		Window:     8192,
		InFlight:   4096,
		RTT:        83,
		NAKCount:   12,
		BitrateBps: 625000,
	}
	buf := buildExtKeepalive(want)

	got, ok := parseKeepaliveInfo(buf)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// The RTT travels in microseconds; sub-millisecond values round down.
	binary.BigEndian.PutUint64(buf[26:34], 999)
	got, ok = parseKeepaliveInfo(buf)
	require.True(t, ok)
	assert.Equal(t, uint64(0), got.RTT)
}

func TestParseKeepaliveInfoRejectsIncompatible(t *testing.T) {
	buf := buildExtKeepalive(connectionInfo{ConnID: 1})

	bad := append([]byte(nil), buf...)
	binary.BigEndian.PutUint16(bad[10:12], 0xBEEF)
	_, ok := parseKeepaliveInfo(bad)
	assert.False(t, ok)

	bad = append([]byte(nil), buf...)
	binary.BigEndian.PutUint16(bad[12:14], 0x0002)
	_, ok = parseKeepaliveInfo(bad)
	assert.False(t, ok)

	_, ok = parseKeepaliveInfo(buf[:extKeepaliveLen-1])
	assert.False(t, ok)
}

func TestEncodeREG2(t *testing.T) {
	var id [GroupIDLen]byte
	for i := range id {
		id[i] = byte(i)
	}
	buf := encodeREG2(&id)
	require.Len(t, buf, REG2Len)
	assert.Equal(t, TypeREG2, packetType(buf))
	assert.Equal(t, id[:], buf[2:])
}

func TestEncodeACK(t *testing.T) {
	var seqs [RecvACKInt]uint32
	for i := range seqs {
		seqs[i] = uint32(100 + i)
	}
	buf := encodeACK(&seqs)
	require.Len(t, buf, ackLen)
	assert.Equal(t, ackHeaderWord, binary.BigEndian.Uint32(buf))
	for i, sn := range seqs {
		assert.Equal(t, sn, binary.BigEndian.Uint32(buf[4+4*i:]))
	}
}
