// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
)

const (
	// srtHandshakeLen is the wire size of an SRT handshake induction
	// packet: the 16-byte header plus the 48-byte handshake body.
	srtHandshakeLen = 64
	srtProbeTimeout = 2 * time.Second
)

// encodeHandshakeInduction builds the caller's first handshake packet of
// the SRT induction phase: version 4, ext_field 2, handshake type 1.
func encodeHandshakeInduction() []byte {
	buf := make([]byte, srtHandshakeLen)
	binary.BigEndian.PutUint16(buf[0:2], TypeSRTHandshake)
	binary.BigEndian.PutUint32(buf[16:20], 4)
	binary.BigEndian.PutUint16(buf[22:24], 2)
	binary.BigEndian.PutUint32(buf[36:40], 1)
	return buf
}

// ResolveSRTAddr resolves the SRT server endpoint and probes each
// candidate address with a handshake induction, taking the first one that
// answers. When no candidate answers, the first resolved address is used
// anyway; the server may simply not be up yet.
func ResolveSRTAddr(hostname string, port uint16, recvBufSize, sendBufSize int, log logr.Logger) (*net.UDPAddr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), hostname)
	if err != nil {
		return nil, fmt.Errorf("could not resolve the address %s:%d: %w", hostname, port, err)
	}

	probe := encodeHandshakeInduction()
	for _, ip := range ips {
		addr := &net.UDPAddr{IP: ip.IP, Port: int(port), Zone: ip.Zone}
		log.Info("trying to reach the SRT server", "addr", addr.String())
		if probeSRTServer(addr, probe, recvBufSize, sendBufSize, log) {
			log.Info("SRT server confirmed", "addr", addr.String())
			return addr, nil
		}
	}

	fallback := &net.UDPAddr{IP: ips[0].IP, Port: int(port), Zone: ips[0].Zone}
	log.Info("could not confirm an SRT server at any resolved address, proceeding with the first one",
		"addr", fallback.String())
	return fallback, nil
}

func probeSRTServer(addr *net.UDPAddr, probe []byte, recvBufSize, sendBufSize int, log logr.Logger) bool {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.V(1).Info("connection failed", "addr", addr.String(), "error", err.Error())
		return false
	}
	defer func() { _ = conn.Close() }()

	if err := setSocketBuffers(conn, recvBufSize, sendBufSize); err != nil {
		log.V(1).Info("could not size the probe socket buffers", "error", err.Error())
		return false
	}
	if err := conn.SetReadDeadline(time.Now().Add(srtProbeTimeout)); err != nil {
		return false
	}
	if n, err := conn.Write(probe); err != nil || n != len(probe) {
		log.V(1).Info("could not send the handshake probe", "addr", addr.String())
		return false
	}

	buf := make([]byte, MTU)
	n, err := conn.Read(buf)
	if err != nil || n != len(probe) {
		log.V(1).Info("no handshake response", "addr", addr.String())
		return false
	}
	return true
}
